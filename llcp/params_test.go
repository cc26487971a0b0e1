package llcp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	params := []Param{
		VersionParam(1, 1),
		MIUXParam(2175),
		WKSParam(0x13),
		LTOParam(0),
		RWParam(15),
		SNParam(SNSNEP),
		SDREQParam(3, "urn:nfc:sn:snep"),
		SDRESParam(3, 4),
	}
	enc := EncodeParams(params, 0)
	dec := DecodeParams(enc)
	require.Len(t, dec, len(params))

	v, ok := Find(dec, ParamVersion)
	require.True(t, ok)
	require.Equal(t, uint8(0x11), v.Version)

	miux, ok := Find(dec, ParamMIUX)
	require.True(t, ok)
	require.Equal(t, uint16(2175), miux.MIU)

	lto, ok := Find(dec, ParamLTO)
	require.True(t, ok)
	require.Equal(t, uint16(LTODefault), lto.LTO, "LTO==0 must decode to the 100ms default")

	sn, ok := Find(dec, ParamSN)
	require.True(t, ok)
	require.Equal(t, SNSNEP, sn.SN)

	sdres, ok := Find(dec, ParamSDRES)
	require.True(t, ok)
	require.Equal(t, uint8(4), sdres.SDRESSAP)
}

func TestDecodeSkipsMalformedTLV(t *testing.T) {
	// a well-formed RW TLV followed by a VERSION TLV that claims a
	// length of 9 bytes it doesn't have: the truncated tail is dropped,
	// the earlier good TLV is kept.
	b := []byte{byte(ParamRW), 1, 0x0f, byte(ParamVersion), 9, 0x11}
	dec := DecodeParams(b)
	require.Len(t, dec, 1)
	require.Equal(t, ParamRW, dec[0].Type)
}

func TestDecodeSkipsWrongLength(t *testing.T) {
	// VERSION TLV with length 2 instead of the required 1: skipped, but
	// parsing continues with the next TLV since the declared length is
	// internally consistent (not truncated).
	b := []byte{byte(ParamVersion), 2, 0x11, 0x00, byte(ParamRW), 1, 0x01}
	dec := DecodeParams(b)
	require.Len(t, dec, 1)
	require.Equal(t, ParamRW, dec[0].Type)
}

func TestEncodeTruncatesAtMaxLen(t *testing.T) {
	params := []Param{RWParam(1), SNParam("a-fairly-long-service-name-value")}
	enc := EncodeParams(params, 3)
	require.Len(t, enc, 3, "the partial SN TLV must be dropped entirely, not truncated mid-TLV")
	dec := DecodeParams(enc)
	require.Len(t, dec, 1)
	require.Equal(t, ParamRW, dec[0].Type)
}

func TestMIUXClampedToRange(t *testing.T) {
	require.Equal(t, uint16(MIUDefault), clampMIU(0))
	require.Equal(t, uint16(MIUMax), clampMIU(9999))
}
