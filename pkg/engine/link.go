package engine

import (
	"go.uber.org/zap"

	"github.com/ascrivener/rio/pkg/dlog"
	"github.com/ascrivener/rio/pkg/fragment"
	"github.com/ascrivener/rio/pkg/lockrank"
)

// setOf returns the cache set holding f.
func (e *Engine) setOf(f *fragment.Fragment) *cacheSet {
	if f.Owner < 0 {
		return e.shared
	}
	for _, s := range e.allSets() {
		if s.owner == f.Owner {
			return s
		}
	}
	return nil
}

// Link links f's exits and the exits waiting for f's tag.
func (e *Engine) Link(t *Thread, f *fragment.Fragment) {
	set := e.setOf(f)
	h := heldOf(t)
	set.table.Lock().Lock(h)
	defer set.table.Lock().Unlock(h)
	if f.IsLive() {
		e.link(h, set, f)
	}
}

// Unlink sends every exit of f and every exit into f back to its stub.
func (e *Engine) Unlink(t *Thread, f *fragment.Fragment) {
	set := e.setOf(f)
	h := heldOf(t)
	set.table.Lock().Lock(h)
	defer set.table.Lock().Unlock(h)
	e.unlink(set, f)
}

// linkable reports whether x may jump straight to to. Trace heads are only
// entered through the dispatcher so that their executions are counted.
func (e *Engine) linkable(x *fragment.Linkstub, to *fragment.Fragment) bool {
	return to != nil && to.IsLive() &&
		(to.IsTrace() || !to.Has(fragment.FlagTraceHead)) &&
		to.Owner == x.Owner.Owner &&
		e.policy.IsExecutionAllowed(to.Tag)
}

// link requires set's table write lock. Backward direct exits, and every
// direct exit of a trace, make their target a trace head before linking.
// Indirect exits stay unlinked until the dispatcher first serves them.
func (e *Engine) link(h *lockrank.Held, set *cacheSet, f *fragment.Fragment) {
	for _, x := range f.Exits {
		switch x.Kind {
		case fragment.ExitDirect:
			if e.tracesEnabled() && (x.Target <= x.AppPC || f.IsTrace()) {
				e.markHeadLocked(h, set, x.Target)
			}
			if to := set.table.Lookup(x.Target); e.opts.LinkDirect && e.linkable(x, to) {
				e.linkTo(set, x, to)
			} else {
				set.table.AddFuture(x)
			}
		}
	}
	to := set.table.Lookup(f.Tag)
	for _, x := range set.table.TakeFutures(f.Tag) {
		if !x.Owner.IsLive() {
			continue
		}
		if e.opts.LinkDirect && e.linkable(x, to) {
			e.linkTo(set, x, to)
		} else {
			set.table.AddFuture(x)
		}
	}
}

// unlink requires set's table write lock. Incoming exits of live fragments
// become futures again.
func (e *Engine) unlink(set *cacheSet, f *fragment.Fragment) {
	for _, x := range f.Exits {
		if x.IsLinked() {
			e.unlinkExit(set, x)
		}
		set.table.RemoveFuture(x)
	}
	for _, x := range f.Incoming() {
		e.unlinkExit(set, x)
		if x.Owner.IsLive() {
			set.table.AddFuture(x)
		}
	}
}

// linkIBL routes indirect exit x through its lookup stub.
func (e *Engine) linkIBL(t *Thread, x *fragment.Linkstub) {
	set := e.setOf(x.Owner)
	if set == nil {
		return
	}
	h := t.held
	set.table.Lock().Lock(h)
	defer set.table.Lock().Unlock(h)
	if x.IsLinked() || !x.Owner.IsLive() {
		return
	}
	e.patch(set, x, x.StubPC())
	x.SetLinked(nil)
	e.stats.Links.Inc()
	e.log.Log(dlog.Links, 3, "link ibl", dlog.Hex("from", x.Owner.Tag), zap.Uint16("exit", x.Ord), zap.Stringer("branch", x.Branch))
}

func (e *Engine) linkTo(set *cacheSet, x *fragment.Linkstub, to *fragment.Fragment) {
	e.patch(set, x, to.Start)
	x.SetLinked(to)
	e.stats.Links.Inc()
	e.log.Log(dlog.Links, 3, "link", dlog.Hex("from", x.Owner.Tag), zap.Uint16("exit", x.Ord), dlog.Hex("to", to.Tag))
}

func (e *Engine) unlinkExit(set *cacheSet, x *fragment.Linkstub) {
	e.patch(set, x, x.ExitPC())
	x.SetUnlinked()
	e.stats.Unlinks.Inc()
	e.log.Log(dlog.Links, 3, "unlink", dlog.Hex("from", x.Owner.Tag), zap.Uint16("exit", x.Ord))
}

// patch points x's exit branch at dest. The displacement is one aligned
// 32-bit store, so a thread executing the branch sees the old or the new
// target.
func (e *Engine) patch(set *cacheSet, x *fragment.Linkstub, dest uint64) {
	rel := x.RelPC()
	set.cache.StoreRel32(rel, int32(int64(dest)-int64(rel+4)))
}

// markHead makes tag a trace head in t's set.
func (e *Engine) markHead(t *Thread, tag uint64) {
	set := t.set
	h := t.held
	set.table.Lock().RLock(h)
	known := set.table.IsHead(tag)
	set.table.Lock().RUnlock(h)
	if known {
		return
	}
	set.table.Lock().Lock(h)
	defer set.table.Lock().Unlock(h)
	e.markHeadLocked(h, set, tag)
}

// markHeadLocked requires set's table write lock. An existing block at tag
// is flagged, loses its incoming links and leaves the IBL tables, so every
// execution of it goes through the dispatcher.
func (e *Engine) markHeadLocked(h *lockrank.Held, set *cacheSet, tag uint64) {
	if !set.table.MarkHead(tag) {
		return
	}
	e.log.Log(dlog.Monitor, 2, "trace head", dlog.Hex("tag", tag))
	bb := set.table.LookupBB(tag)
	if bb == nil || !bb.IsLive() {
		return
	}
	bb.SetFlags(fragment.FlagTraceHead)
	if set.table.LookupTrace(tag) != nil {
		return
	}
	for _, x := range bb.Incoming() {
		e.unlinkExit(set, x)
		set.table.AddFuture(x)
	}
	e.iblRemove(h, set, bb)
}

// iblRemove drops f's entries from set's IBL tables.
func (e *Engine) iblRemove(h *lockrank.Held, set *cacheSet, f *fragment.Fragment) {
	for _, tbl := range set.ibl {
		if pc, ok := tbl.Lookup(f.Tag); ok && pc == f.Start {
			tbl.Remove(h, f.Tag)
		}
	}
}
