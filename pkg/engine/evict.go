package engine

import (
	"go.uber.org/zap"

	"github.com/ascrivener/rio/pkg/dlog"
	"github.com/ascrivener/rio/pkg/fcache"
	"github.com/ascrivener/rio/pkg/fragment"
)

// Evict frees fragments of t's cache, oldest first, until an allocation of
// need bytes fits. Fragments another thread is executing and fragments
// flagged FlagCannotDelete are skipped.
func (e *Engine) Evict(t *Thread, need int) error {
	if err := e.reclaim(t, false); err != nil {
		return err
	}
	set := t.set
	h := t.held
	if set.cache.CanFit(h, need) {
		return nil
	}
	victims := set.cache.Victims(h)

	set.regions.Lock().Lock(h)
	set.table.Lock().Lock(h)
	var deleted []uint64
	var err error
	for _, v := range victims {
		if set.cache.CanFit(h, need) {
			break
		}
		f, ok := v.Owner.(*fragment.Fragment)
		if !ok || f.Has(fragment.FlagCannotDelete) {
			continue
		}
		if !f.TransitionState(fragment.StateLive, fragment.StateFlushing) {
			continue
		}
		// A thread publishes its current fragment before checking that it
		// is live; the state was changed first, so one of the two sees the
		// other.
		if e.InFlight(f) {
			f.SetState(fragment.StateLive)
			continue
		}
		e.remove(t, set, f)
		if err = e.deleteFragment(h, set, f); err != nil {
			break
		}
		deleted = append(deleted, f.Tag)
	}
	fits := set.cache.CanFit(h, need)
	set.table.Lock().Unlock(h)
	set.regions.Lock().Unlock(h)

	e.deleted(t, deleted)
	e.stats.Evictions.Add(float64(len(deleted)))
	e.log.Log(dlog.Cache, 1, "evicted", zap.String("cache", set.name), zap.Int("fragments", len(deleted)), zap.Int("need", need))
	if err != nil {
		return err
	}
	if !fits {
		return &CacheExhaustedError{Cache: set.cache.Name(), Size: need, Cause: fcache.ErrNoSpace}
	}
	return nil
}
