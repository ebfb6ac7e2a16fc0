package engine

import (
	"go.uber.org/zap"

	"github.com/ascrivener/rio/pkg/dlog"
	rerrors "github.com/ascrivener/rio/pkg/errors"
	"github.com/ascrivener/rio/pkg/fragment"
	"github.com/ascrivener/rio/pkg/instrument"
	"github.com/ascrivener/rio/pkg/lockrank"
)

// FlushMode selects how a flush frees fragment memory.
type FlushMode int

const (
	// FlushSync parks every other thread and frees at once.
	FlushSync FlushMode = iota
	// FlushDelayed unlinks and unregisters at once and frees once every
	// thread has passed a safe point.
	FlushDelayed
)

func (m FlushMode) String() string {
	switch m {
	case FlushSync:
		return "sync"
	case FlushDelayed:
		return "delayed"
	}
	return "unknown"
}

// pendingFree is a flushed fragment waiting for every thread to observe
// epoch.
type pendingFree struct {
	f     *fragment.Fragment
	set   *cacheSet
	epoch uint64
}

func heldOf(t *Thread) *lockrank.Held {
	if t == nil {
		return nil
	}
	return t.held
}

// Flush removes every fragment of every cache set built from application
// code overlapping [lo, hi) and returns how many it removed. t is the
// calling thread, or nil outside application threads.
func (e *Engine) Flush(t *Thread, lo, hi uint64, mode FlushMode) (int, error) {
	e.stats.Flushes.WithLabelValues(mode.String()).Inc()
	e.log.Log(dlog.Flush, 1, "flush", dlog.Hex("lo", lo), dlog.Hex("hi", hi), zap.Stringer("mode", mode), zap.Int("thread", threadID(t)))
	if mode == FlushDelayed {
		return e.flushRange(t, lo, hi, e.epoch.Add(1), true)
	}
	var n int
	err := e.synchAll(t, func() error {
		var err error
		n, err = e.flushRange(t, lo, hi, 0, false)
		return err
	})
	return n, err
}

func (e *Engine) flushRange(t *Thread, lo, hi uint64, epoch uint64, delayed bool) (int, error) {
	h := heldOf(t)
	n := 0
	var deleted []uint64
	var first error
	for _, set := range e.allSets() {
		set.regions.Lock().Lock(h)
		set.table.Lock().Lock(h)
		for _, f := range set.regions.Overlapping(lo, hi) {
			if !f.TransitionState(fragment.StateLive, fragment.StateFlushing) {
				continue
			}
			e.remove(t, set, f)
			n++
			if delayed {
				e.pendingMu.Lock()
				e.pending = append(e.pending, pendingFree{f: f, set: set, epoch: epoch})
				e.pendingMu.Unlock()
				continue
			}
			if err := e.deleteFragment(h, set, f); err != nil && first == nil {
				first = err
			}
			deleted = append(deleted, f.Tag)
		}
		set.table.Lock().Unlock(h)
		set.regions.Lock().Unlock(h)
	}
	e.deleted(t, deleted)
	e.log.Log(dlog.Flush, 2, "flushed", zap.Int("fragments", n), zap.Bool("delayed", delayed))
	return n, first
}

// remove unregisters f. The caller holds set's region and table write
// locks and has moved f out of the live state.
func (e *Engine) remove(t *Thread, set *cacheSet, f *fragment.Fragment) {
	e.unlink(set, f)
	set.table.Remove(f)
	set.regions.Remove(f)
	e.iblRemove(heldOf(t), set, f)
}

// deleteFragment frees f's cache memory. The caller holds set's table
// lock.
func (e *Engine) deleteFragment(h *lockrank.Held, set *cacheSet, f *fragment.Fragment) error {
	if h != nil && !h.Holds(lockrank.RankTable) {
		return rerrors.Assertf("deleting %s without the table lock", f)
	}
	f.SetState(fragment.StateDeleted)
	if in := f.Incoming(); len(in) > 0 {
		return rerrors.Assertf("deleting %s with %d incoming links", f, len(in))
	}
	if err := set.cache.Free(h, f.Start, f.Size); err != nil {
		return err
	}
	e.stats.FragmentsDeleted.Inc()
	e.log.Log(dlog.Cache, 3, "deleted", zap.Stringer("fragment", f))
	return nil
}

// deleted runs the deletion hooks once no lock is held.
func (e *Engine) deleted(t *Thread, tags []uint64) {
	if len(tags) == 0 {
		return
	}
	ctx := &instrument.Context{Mem: e.mem}
	if t != nil {
		ctx = t.ctx
	}
	for _, tag := range tags {
		e.hooks.FragmentDeleted(ctx, tag)
	}
}

// reclaim frees delayed-flush fragments that no thread can still be
// executing: no thread names one as its current fragment, and every
// running thread has passed a safe point since the flush. force frees
// everything and is only used when no thread runs.
func (e *Engine) reclaim(t *Thread, force bool) error {
	e.pendingMu.Lock()
	if len(e.pending) == 0 {
		e.pendingMu.Unlock()
		return nil
	}
	threads := e.threadList()
	var ready []pendingFree
	keep := e.pending[:0]
	for _, p := range e.pending {
		if force || e.quiescent(p, threads) {
			ready = append(ready, p)
		} else {
			keep = append(keep, p)
		}
	}
	clear(e.pending[len(keep):])
	e.pending = keep
	e.pendingMu.Unlock()

	h := heldOf(t)
	var first error
	tags := make([]uint64, 0, len(ready))
	for _, p := range ready {
		p.set.table.Lock().Lock(h)
		err := e.deleteFragment(h, p.set, p.f)
		p.set.table.Lock().Unlock(h)
		if err != nil && first == nil {
			first = err
		}
		tags = append(tags, p.f.Tag)
	}
	e.deleted(t, tags)
	if len(ready) > 0 {
		e.log.Log(dlog.Flush, 2, "reclaimed", zap.Int("fragments", len(ready)), zap.Int("pending", len(keep)))
	}
	return first
}

func (e *Engine) quiescent(p pendingFree, threads []*Thread) bool {
	for _, o := range threads {
		if o.current.Load() == p.f {
			return false
		}
		if o.epoch.Load() >= p.epoch {
			continue
		}
		e.synch.mu.Lock()
		st := o.status
		e.synch.mu.Unlock()
		if st == statusRunning {
			return false
		}
	}
	return true
}

// PendingFrees reports how many flushed fragments await reclamation.
func (e *Engine) PendingFrees() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}
