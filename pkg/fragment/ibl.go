package fragment

import (
	"fmt"
	"sync/atomic"

	"github.com/ascrivener/rio/pkg/ir"
	"github.com/ascrivener/rio/pkg/lockrank"
)

const (
	emptyTag = 0
	deadTag  = ^uint64(0)
)

type iblSlot struct {
	tag atomic.Uint64
	pc  atomic.Uint64
}

type iblArray struct {
	slots []iblSlot
	mask  uint64
}

// IBLTable maps application targets of one class of indirect branch to
// cache entry points. It is open addressed with linear probing.
//
// Lookup is lock-free and may run concurrently with writers: a writer
// publishes the pc before the tag and a reader re-reads the tag after the
// pc. Writers serialize on the table lock. Growing the table is only
// requested by writers; it happens in MaybeResize, which the dispatcher
// calls outside of cache execution.
type IBLTable struct {
	name   string
	branch ir.BranchType
	offset uint

	mu    *lockrank.RWMutex
	arr   atomic.Pointer[iblArray]
	count int
	dead  int

	resize atomic.Bool

	hits       atomic.Uint64
	misses     atomic.Uint64
	collisions atomic.Uint64
	resizes    atomic.Uint64
}

// NewIBLTable creates a table of 1<<bits slots hashing tags shifted right by
// offset.
func NewIBLTable(name string, branch ir.BranchType, bits, offset int) *IBLTable {
	t := &IBLTable{
		name:   name,
		branch: branch,
		offset: uint(offset),
		mu:     lockrank.New(fmt.Sprintf("ibl:%s:%s", name, branch), lockrank.RankIBL),
	}
	t.arr.Store(newIBLArray(1 << bits))
	return t
}

func newIBLArray(n int) *iblArray {
	return &iblArray{slots: make([]iblSlot, n), mask: uint64(n - 1)}
}

func (t *IBLTable) Branch() ir.BranchType { return t.branch }

func (t *IBLTable) hash(tag uint64, mask uint64) uint64 { return (tag >> t.offset) & mask }

// Lookup returns the cache entry for tag.
func (t *IBLTable) Lookup(tag uint64) (uint64, bool) {
	a := t.arr.Load()
	i := t.hash(tag, a.mask)
	for n := 0; n < len(a.slots); n++ {
		s := &a.slots[i]
		got := s.tag.Load()
		if got == emptyTag {
			break
		}
		if got == tag {
			pc := s.pc.Load()
			if pc != 0 && s.tag.Load() == tag {
				t.hits.Add(1)
				return pc, true
			}
			break
		}
		t.collisions.Add(1)
		i = (i + 1) & a.mask
	}
	t.misses.Add(1)
	return 0, false
}

// Add maps tag to pc and reports whether the mapping was stored. A full
// table rejects new tags until it is resized.
func (t *IBLTable) Add(h *lockrank.Held, tag, pc uint64) bool {
	if tag == emptyTag || tag == deadTag || pc == 0 {
		return false
	}
	t.mu.Lock(h)
	defer t.mu.Unlock(h)
	a := t.arr.Load()
	ok := t.insert(a, tag, pc)
	if (t.count+t.dead)*2 > len(a.slots) {
		t.resize.Store(true)
	}
	return ok
}

func (t *IBLTable) insert(a *iblArray, tag, pc uint64) bool {
	i := t.hash(tag, a.mask)
	free := -1
	for n := 0; n < len(a.slots); n++ {
		s := &a.slots[i]
		switch got := s.tag.Load(); got {
		case tag:
			s.tag.Store(deadTag)
			s.pc.Store(pc)
			s.tag.Store(tag)
			return true
		case deadTag:
			if free < 0 {
				free = int(i)
			}
		case emptyTag:
			if free < 0 {
				free = int(i)
			} else {
				t.dead--
			}
			s = &a.slots[free]
			s.pc.Store(pc)
			s.tag.Store(tag)
			t.count++
			return true
		}
		i = (i + 1) & a.mask
	}
	if free < 0 {
		return false
	}
	s := &a.slots[free]
	s.pc.Store(pc)
	s.tag.Store(tag)
	t.count++
	t.dead--
	return true
}

// Remove drops tag and reports whether it was present.
func (t *IBLTable) Remove(h *lockrank.Held, tag uint64) bool {
	t.mu.Lock(h)
	defer t.mu.Unlock(h)
	a := t.arr.Load()
	i := t.hash(tag, a.mask)
	for n := 0; n < len(a.slots); n++ {
		s := &a.slots[i]
		got := s.tag.Load()
		if got == emptyTag {
			return false
		}
		if got == tag {
			s.tag.Store(deadTag)
			s.pc.Store(0)
			t.count--
			t.dead++
			return true
		}
		i = (i + 1) & a.mask
	}
	return false
}

// MaybeResize rebuilds the table if a writer asked for it, doubling it
// unless most of the load is dead slots. It must not be called from cache
// execution.
func (t *IBLTable) MaybeResize(h *lockrank.Held) bool {
	if !t.resize.Load() {
		return false
	}
	t.mu.Lock(h)
	defer t.mu.Unlock(h)
	if !t.resize.Load() {
		return false
	}
	old := t.arr.Load()
	n := len(old.slots)
	if t.count*4 > n {
		n *= 2
	}
	next := newIBLArray(n)
	t.count, t.dead = 0, 0
	for i := range old.slots {
		tag := old.slots[i].tag.Load()
		if tag == emptyTag || tag == deadTag {
			continue
		}
		t.insert(next, tag, old.slots[i].pc.Load())
	}
	t.arr.Store(next)
	t.resize.Store(false)
	t.resizes.Add(1)
	return true
}

// IBLStats reports table usage.
type IBLStats struct {
	Branch     ir.BranchType
	Capacity   int
	Entries    int
	Hits       uint64
	Misses     uint64
	Collisions uint64
	Resizes    uint64
}

// Stats returns the table's size and lookup counters.
func (t *IBLTable) Stats(h *lockrank.Held) IBLStats {
	t.mu.RLock(h)
	defer t.mu.RUnlock(h)
	return IBLStats{
		Branch:     t.branch,
		Capacity:   len(t.arr.Load().slots),
		Entries:    t.count,
		Hits:       t.hits.Load(),
		Misses:     t.misses.Load(),
		Collisions: t.collisions.Load(),
		Resizes:    t.resizes.Load(),
	}
}
