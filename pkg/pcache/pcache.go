// Package pcache persists descriptions of hot basic blocks between runs so
// a later run can build them before they are first executed. Records are
// msgpack-encoded in a pebble store, keyed by module name and tag, and
// carry a blake2b hash of the application bytes they were built from so
// stale records are ignored.
package pcache

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/blake2b"
)

const recordPrefix = "bb/"

// Record describes one persisted block.
type Record struct {
	Tag    uint64      `msgpack:"tag"`
	Module string      `msgpack:"module"`
	Ranges [][2]uint64 `msgpack:"ranges"`
	Hash   []byte      `msgpack:"hash"`
	Flags  uint32      `msgpack:"flags"`
	Instrs int         `msgpack:"instrs"`
}

// Matches reports whether hash is the hash the record was built from.
func (r *Record) Matches(hash [32]byte) bool {
	return len(r.Hash) == len(hash) && string(r.Hash) == string(hash[:])
}

// Store is a pebble-backed record store. Writes go to the open transaction
// when there is one.
type Store struct {
	mu    sync.Mutex
	db    *pebble.DB
	batch *pebble.Batch
}

// Open opens or creates the store in dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open persisted cache: %w", err)
	}
	return &Store{db: db}, nil
}

// Key builds the key of the record for tag in module: the module name is
// hashed so keys have a fixed size and sort by tag within a module.
func Key(module string, tag uint64) []byte {
	key := moduleKey(module)
	return binary.BigEndian.AppendUint64(key, tag)
}

func moduleKey(module string) []byte {
	h := blake2b.Sum256([]byte(module))
	key := make([]byte, 0, len(recordPrefix)+8+8)
	key = append(key, recordPrefix...)
	return append(key, h[:8]...)
}

func (s *Store) Put(rec Record) error {
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %#x: %w", rec.Tag, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch != nil {
		return s.batch.Set(Key(rec.Module, rec.Tag), data, nil)
	}
	return s.db.Set(Key(rec.Module, rec.Tag), data, pebble.Sync)
}

func (s *Store) get(key []byte) ([]byte, io.Closer, error) {
	if s.batch != nil {
		return s.batch.Get(key)
	}
	return s.db.Get(key)
}

// Get returns the record for tag in module.
func (s *Store) Get(module string, tag uint64) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, closer, err := s.get(Key(module, tag))
	if err == pebble.ErrNotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	defer closer.Close()
	var rec Record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("failed to decode record %#x: %w", tag, err)
	}
	return rec, true, nil
}

func (s *Store) Delete(module string, tag uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch != nil {
		return s.batch.Delete(Key(module, tag), nil)
	}
	return s.db.Delete(Key(module, tag), pebble.Sync)
}

// Records returns every record of module in tag order.
func (s *Store) Records(module string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo := moduleKey(module)
	hi := append([]byte(nil), lo...)
	for i := len(hi) - 1; i >= 0; i-- {
		hi[i]++
		if hi[i] != 0 {
			hi = hi[:i+1]
			break
		}
	}
	opts := &pebble.IterOptions{LowerBound: lo, UpperBound: hi}
	var iter *pebble.Iterator
	var err error
	if s.batch != nil {
		iter, err = s.batch.NewIter(opts)
	} else {
		iter, err = s.db.NewIter(opts)
	}
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := msgpack.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// BeginTransaction starts buffering writes.
func (s *Store) BeginTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch != nil {
		return fmt.Errorf("transaction already in progress")
	}
	s.batch = s.db.NewIndexedBatch()
	return nil
}

func (s *Store) CommitTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return fmt.Errorf("no transaction in progress")
	}
	err := s.batch.Commit(pebble.Sync)
	s.batch = nil
	return err
}

func (s *Store) RollbackTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return fmt.Errorf("no transaction in progress")
	}
	s.batch.Close()
	s.batch = nil
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch != nil {
		s.batch.Close()
		s.batch = nil
	}
	return s.db.Close()
}
