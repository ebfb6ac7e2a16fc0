package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ascrivener/rio/pkg/appmem"
)

func TestRegionPolicy(t *testing.T) {
	m := appmem.New()
	require.NoError(t, m.LoadImage(appmem.Image{Name: "prog", Origin: 0x10000, Code: []byte{0x90}}))
	require.NoError(t, m.Map("jit", appmem.KindHeap, 0x40000, appmem.PageSize, appmem.PermRWX))
	require.NoError(t, m.Map("data", appmem.KindHeap, 0x50000, appmem.PageSize, appmem.PermRW))
	require.NoError(t, m.Map("client", appmem.KindClient, 0x60000, appmem.PageSize, appmem.PermRWX))

	p := NewRegionPolicy(m, false)
	require.True(t, p.IsExecutionAllowed(0x10000))
	require.False(t, p.IsExecutionAllowed(0x40000))
	require.False(t, p.IsExecutionAllowed(0x50000))
	require.False(t, p.IsExecutionAllowed(0x60000))
	require.False(t, p.IsExecutionAllowed(0x90000))

	p.AllowHeap = true
	require.True(t, p.IsExecutionAllowed(0x40000))
	require.False(t, p.IsExecutionAllowed(0x50000))

	p.Deny(0x10000, 0x10010)
	require.False(t, p.IsExecutionAllowed(0x10000))
	require.True(t, p.IsExecutionAllowed(0x10010))

	require.True(t, AllowAll{}.IsExecutionAllowed(0))
}
