package peer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sailfishos/nfcd/llcp"
)

func TestRegistrySDPNameReserved(t *testing.T) {
	r := NewRegistry()
	err := r.Add(NewService(llcp.SNSDP, 0))
	require.ErrorIs(t, err, ErrReservedName)
}

func TestRegistrySNEPPinnedToSAP4(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(NewService(llcp.SNSNEP, 0)))
	svc, ok := r.FindBySAP(llcp.SAPSNEP)
	require.True(t, ok)
	require.Equal(t, llcp.SNSNEP, svc.Name)
}

func TestRegistryNamedRangeAllocation(t *testing.T) {
	r := NewRegistry()
	s1 := NewService("svc1", 0)
	s2 := NewService("svc2", 0)
	require.NoError(t, r.Add(s1))
	require.NoError(t, r.Add(s2))
	require.Equal(t, uint8(llcp.SAPNamedMin), s1.SAP)
	require.Equal(t, uint8(llcp.SAPNamedMin+1), s2.SAP)
}

func TestRegistryUnnamedRangeAllocation(t *testing.T) {
	r := NewRegistry()
	s1 := NewService("", 0)
	s2 := NewService("", 0)
	require.NoError(t, r.Add(s1))
	require.NoError(t, r.Add(s2))
	require.Equal(t, uint8(llcp.SAPUnnamedMin), s1.SAP)
	require.Equal(t, uint8(llcp.SAPUnnamedMin+1), s2.SAP)
}

func TestRegistryDuplicateNameRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(NewService("dup", 0)))
	err := r.Add(NewService("dup", 0))
	require.ErrorIs(t, err, ErrDuplicateName)
}

func TestRegistryDuplicateSAPRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(NewService("a", 0x21)))
	err := r.Add(NewService("b", 0x21))
	require.ErrorIs(t, err, ErrDuplicateSAP)
}

func TestRegistryRangeFull(t *testing.T) {
	r := NewRegistry()
	for sap := llcp.SAPNamedMin; sap <= llcp.SAPNamedMax; sap++ {
		require.NoError(t, r.Add(NewService("svc", 0)))
		r.byName = make(map[string]*Service) // allow reusing the name each time
	}
	err := r.Add(NewService("overflow", 0))
	require.ErrorIs(t, err, ErrSAPRangeFull)
}

func TestRegistryWKSBitmap(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(NewService(llcp.SNSNEP, 0)))
	wks := r.WKS()
	require.Equal(t, uint16(1<<llcp.SAPSNEP), wks)
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	s := NewService("gone", 0)
	require.NoError(t, r.Add(s))
	r.Remove(s)
	_, ok := r.FindByName("gone")
	require.False(t, ok)
	_, ok = r.FindBySAP(s.SAP)
	require.False(t, ok)
}
