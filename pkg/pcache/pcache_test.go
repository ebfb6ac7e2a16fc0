package pcache

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
)

func TestRecordsRoundTripThroughStore(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	hash := blake2b.Sum256([]byte{0xB8, 0, 1, 0, 0, 0, 0xC3})
	recs := []Record{
		{Tag: 0x10010, Module: "prog", Ranges: [][2]uint64{{0x10010, 0x10017}}, Hash: hash[:], Instrs: 2},
		{Tag: 0x10000, Module: "prog", Ranges: [][2]uint64{{0x10000, 0x10010}}, Hash: hash[:], Instrs: 3},
		{Tag: 0x10000, Module: "lib", Ranges: [][2]uint64{{0x10000, 0x10004}}, Hash: hash[:], Instrs: 1},
	}
	for _, r := range recs {
		require.NoError(t, s.Put(r))
	}
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Records("prog")
	require.NoError(t, err)
	require.Empty(t, cmp.Diff([]Record{recs[1], recs[0]}, got))
	require.True(t, got[0].Matches(hash))
	require.False(t, got[0].Matches([32]byte{}))

	rec, ok, err := s.Get("lib", 0x10000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, rec.Instrs)
	_, ok, err = s.Get("lib", 0x20000)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransactions(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.BeginTransaction())
	require.Error(t, s.BeginTransaction())
	require.NoError(t, s.Put(Record{Tag: 1, Module: "m"}))
	_, ok, err := s.Get("m", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.RollbackTransaction())
	_, ok, err = s.Get("m", 1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.BeginTransaction())
	require.NoError(t, s.Put(Record{Tag: 2, Module: "m"}))
	require.NoError(t, s.CommitTransaction())
	require.Error(t, s.CommitTransaction())
	recs, err := s.Records("m")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.NoError(t, s.Delete("m", 2))
	recs, err = s.Records("m")
	require.NoError(t, err)
	require.Empty(t, recs)
}
