package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sailfishos/nfcd/llcp"
)

func TestPDUCounters(t *testing.T) {
	r := New()
	r.PDUSent(llcp.I)
	r.PDUSent(llcp.I)
	r.PDUReceived(llcp.RR)

	require.Equal(t, float64(2), testutil.ToFloat64(r.pduSent.WithLabelValues(llcp.I.String())))
	require.Equal(t, float64(1), testutil.ToFloat64(r.pduReceived.WithLabelValues(llcp.RR.String())))
}

func TestLinkStateChangedIsExclusive(t *testing.T) {
	r := New()
	r.LinkStateChanged("active")
	require.Equal(t, float64(1), testutil.ToFloat64(r.linkState.WithLabelValues("active")))

	r.LinkStateChanged("error")
	require.Equal(t, float64(1), testutil.ToFloat64(r.linkState.WithLabelValues("error")))
	require.Equal(t, float64(0), testutil.ToFloat64(r.linkState.WithLabelValues("active")))
}

func TestSNEPPutServed(t *testing.T) {
	r := New()
	r.SNEPPutServed(10)
	r.SNEPPutServed(5)

	require.Equal(t, float64(2), testutil.ToFloat64(r.snepPuts))
	require.Equal(t, float64(15), testutil.ToFloat64(r.snepBytes))
}
