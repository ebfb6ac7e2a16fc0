package appmem

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapReadWrite(t *testing.T) {
	m := New()
	require.NoError(t, m.Map("heap", KindHeap, 0x20000, 2*PageSize, PermRW))

	// Straddles the page boundary.
	addr := uint64(0x20000 + PageSize - 3)
	hit, err := m.WriteU64(addr, 0x0102030405060708)
	require.NoError(t, err)
	require.False(t, hit)
	v, err := m.ReadU64(addr)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), v)

	_, err = m.WriteU64(0x20000+2*PageSize-4, 1)
	require.ErrorIs(t, err, ErrFault)
	var f *Fault
	require.ErrorAs(t, err, &f)
	require.Equal(t, uint64(0x20000+2*PageSize), f.Addr)
}

func TestPermissions(t *testing.T) {
	m := New()
	require.NoError(t, m.LoadImage(Image{Name: "prog", Origin: 0x10000, Code: []byte{0x90, 0xC3}}))

	buf := make([]byte, 4)
	require.Equal(t, PageSize, m.FetchCode(0x10000, make([]byte, PageSize)))
	require.Equal(t, 4, m.FetchCode(0x10000, buf))
	require.Equal(t, []byte{0x90, 0xC3, 0, 0}, buf)
	require.Equal(t, 2, m.FetchCode(0x10000+PageSize-2, buf))
	require.Equal(t, 0, m.FetchCode(0x90000, buf))

	_, err := m.WriteU8(0x10000, 0)
	require.ErrorIs(t, err, ErrFault)

	require.Equal(t, PermRX, m.PermAt(0x10001))
	require.NoError(t, m.Protect(0x10000, PageSize, PermRWX))
	_, err = m.WriteU8(0x10000, 0x90)
	require.NoError(t, err)
	require.Equal(t, PermRWX, m.PermAt(0x10001))
	require.Equal(t, Perm(0), m.PermAt(0x90000))
}

func TestOverlapRejected(t *testing.T) {
	m := New()
	require.NoError(t, m.Map("a", KindHeap, 0x20000, PageSize, PermRW))
	require.Error(t, m.Map("b", KindHeap, 0x20000, 2*PageSize, PermRW))
	require.Error(t, m.Map("c", KindHeap, 0x20001, PageSize, PermRW))
	require.NoError(t, m.Unmap(0x20000))
	require.NoError(t, m.Map("b", KindHeap, 0x20000, 2*PageSize, PermRW))
}

func TestRegionsAndStacks(t *testing.T) {
	m := New()
	require.NoError(t, m.LoadImage(Image{
		Name: "prog", Origin: 0x10000, Code: make([]byte, 10),
		DataOrigin: 0x11000, Data: []byte{1, 2, 3},
	}))
	r, ok := m.RegionAt(0x10005)
	require.True(t, ok)
	require.Equal(t, "prog", r.Name)
	require.Equal(t, KindImage, r.Kind)
	r, ok = m.RegionAt(0x11002)
	require.True(t, ok)
	require.Equal(t, KindHeap, r.Kind)
	_, ok = m.RegionAt(0x12000)
	require.False(t, ok)

	top1, err := m.MapStack("stack-1", DefaultStackSize)
	require.NoError(t, err)
	top2, err := m.MapStack("stack-2", DefaultStackSize)
	require.NoError(t, err)
	require.Equal(t, uint64(StackTop), top1)
	require.Equal(t, top1-DefaultStackSize-PageSize, top2)
	_, err = m.WriteU64(top2-8, 7)
	require.NoError(t, err)

	base, err := m.MapClient("counters", 100)
	require.NoError(t, err)
	require.Equal(t, uint64(ClientBase), base)
	_, err = m.MapClient("counters", 100)
	require.Error(t, err)
}

func TestCodeWritesDetected(t *testing.T) {
	m := New()
	require.NoError(t, m.LoadImage(Image{Name: "prog", Origin: 0x10000, Code: []byte{0x90}, CodePerm: PermRWX}))
	hit, err := m.WriteU8(0x10010, 1)
	require.NoError(t, err)
	require.False(t, hit)

	m.MarkCode(0x10000, 1)
	require.True(t, m.IsCode(0x10FFF))
	hit, err = m.WriteU8(0x10010, 2)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, uint64(1), m.CodeWrites())
}

func TestHashTracksContent(t *testing.T) {
	m := New()
	require.NoError(t, m.Map("heap", KindHeap, 0x20000, PageSize, PermRW))
	h1 := m.Hash(0x20000, 16)
	_, err := m.WriteU8(0x20004, 9)
	require.NoError(t, err)
	h2 := m.Hash(0x20000, 16)
	require.NotEqual(t, h1, h2)
	require.Equal(t, h2, m.Hash(0x20000, 16))
	require.NotEqual(t, m.Hash(0x30000, 16), m.Hash(0x20000, 16))
}

func TestConcurrentAdd(t *testing.T) {
	m := New()
	require.NoError(t, m.Map("counters", KindClient, 0x30000, PageSize, PermRW))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_, err := m.AddU64(0x30008, 1)
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	v, err := m.ReadU64(0x30008)
	require.NoError(t, err)
	require.Equal(t, uint64(8000), v)
}
