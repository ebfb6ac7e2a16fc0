package fragment

import (
	"iter"
	"slices"

	"github.com/dolthub/swiss"

	rerrors "github.com/ascrivener/rio/pkg/errors"
	"github.com/ascrivener/rio/pkg/lockrank"
)

// Table maps tags to the fragments of one cache. Blocks and traces are kept
// in separate maps; a lookup prefers the trace. Futures are exits waiting
// for a fragment to appear at their target tag.
//
// Unless stated otherwise, methods require the caller to hold the lock
// returned by Lock (read lock for queries).
type Table struct {
	name string
	mu   *lockrank.RWMutex

	bbs     *swiss.Map[uint64, *Fragment]
	traces  *swiss.Map[uint64, *Fragment]
	futures *swiss.Map[uint64, []*Linkstub]
	heads   *swiss.Map[uint64, struct{}]
}

func NewTable(name string) *Table {
	return &Table{
		name:    name,
		mu:      lockrank.New("table:"+name, lockrank.RankTable),
		bbs:     swiss.NewMap[uint64, *Fragment](256),
		traces:  swiss.NewMap[uint64, *Fragment](32),
		futures: swiss.NewMap[uint64, []*Linkstub](64),
		heads:   swiss.NewMap[uint64, struct{}](16),
	}
}

func (t *Table) Name() string            { return t.name }
func (t *Table) Lock() *lockrank.RWMutex { return t.mu }

// Lookup returns the fragment to execute for tag: the trace if one exists,
// else the block.
func (t *Table) Lookup(tag uint64) *Fragment {
	if f, ok := t.traces.Get(tag); ok {
		return f
	}
	f, _ := t.bbs.Get(tag)
	return f
}

func (t *Table) LookupBB(tag uint64) *Fragment {
	f, _ := t.bbs.Get(tag)
	return f
}

func (t *Table) LookupTrace(tag uint64) *Fragment {
	f, _ := t.traces.Get(tag)
	return f
}

// Find is Lookup under the table's read lock.
func (t *Table) Find(h *lockrank.Held, tag uint64) *Fragment {
	t.mu.RLock(h)
	defer t.mu.RUnlock(h)
	return t.Lookup(tag)
}

func (t *Table) part(f *Fragment) *swiss.Map[uint64, *Fragment] {
	if f.IsTrace() {
		return t.traces
	}
	return t.bbs
}

// Add registers f. A second fragment of the same kind for one tag is an
// invariant violation.
func (t *Table) Add(f *Fragment) error {
	m := t.part(f)
	if old, ok := m.Get(f.Tag); ok {
		return rerrors.Assertf("table %s: %#x already holds %s", t.name, f.Tag, old)
	}
	m.Put(f.Tag, f)
	return nil
}

// Remove unregisters f if it is the registered fragment for its tag.
func (t *Table) Remove(f *Fragment) bool {
	m := t.part(f)
	if cur, ok := m.Get(f.Tag); !ok || cur != f {
		return false
	}
	m.Delete(f.Tag)
	return true
}

func (t *Table) Len() int { return t.bbs.Count() + t.traces.Count() }

func (t *Table) Counts() (bbs, traces int) { return t.bbs.Count(), t.traces.Count() }

// All yields every registered fragment, blocks first.
func (t *Table) All() iter.Seq[*Fragment] {
	return func(yield func(*Fragment) bool) {
		stop := false
		visit := func(_ uint64, f *Fragment) bool {
			if !yield(f) {
				stop = true
			}
			return stop
		}
		t.bbs.Iter(visit)
		if !stop {
			t.traces.Iter(visit)
		}
	}
}

// Snapshot returns the registered fragments ordered by tag, traces after
// blocks of the same tag.
func (t *Table) Snapshot() []*Fragment {
	out := make([]*Fragment, 0, t.Len())
	for f := range t.All() {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b *Fragment) int {
		switch {
		case a.Tag < b.Tag:
			return -1
		case a.Tag > b.Tag:
			return 1
		case !a.IsTrace() && b.IsTrace():
			return -1
		case a.IsTrace() && !b.IsTrace():
			return 1
		}
		return 0
	})
	return out
}

// AddFuture records that l waits for a fragment at l.Target.
func (t *Table) AddFuture(l *Linkstub) {
	list, _ := t.futures.Get(l.Target)
	if slices.Contains(list, l) {
		return
	}
	t.futures.Put(l.Target, append(list, l))
}

// Futures returns the exits waiting for tag without removing them.
func (t *Table) Futures(tag uint64) []*Linkstub {
	list, _ := t.futures.Get(tag)
	return slices.Clone(list)
}

// TakeFutures removes and returns the exits waiting for tag.
func (t *Table) TakeFutures(tag uint64) []*Linkstub {
	list, ok := t.futures.Get(tag)
	if !ok {
		return nil
	}
	t.futures.Delete(tag)
	return list
}

// RemoveFuture forgets l.
func (t *Table) RemoveFuture(l *Linkstub) {
	list, ok := t.futures.Get(l.Target)
	if !ok {
		return
	}
	i := slices.Index(list, l)
	if i < 0 {
		return
	}
	list = slices.Delete(list, i, i+1)
	if len(list) == 0 {
		t.futures.Delete(l.Target)
		return
	}
	t.futures.Put(l.Target, list)
}

func (t *Table) FutureCount() int {
	n := 0
	t.futures.Iter(func(_ uint64, l []*Linkstub) bool {
		n += len(l)
		return false
	})
	return n
}

// MarkHead records tag as a trace head and reports whether it was new.
func (t *Table) MarkHead(tag uint64) bool {
	if t.heads.Has(tag) {
		return false
	}
	t.heads.Put(tag, struct{}{})
	return true
}

func (t *Table) IsHead(tag uint64) bool { return t.heads.Has(tag) }
