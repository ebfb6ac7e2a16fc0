package engine

import (
	"go.uber.org/zap"

	"github.com/ascrivener/rio/pkg/appmem"
	"github.com/ascrivener/rio/pkg/dlog"
	rerrors "github.com/ascrivener/rio/pkg/errors"
	"github.com/ascrivener/rio/pkg/fragment"
	"github.com/ascrivener/rio/pkg/pcache"
)

// persist records every live basic block built from image code so a later
// run over the same images can build them up front.
func (e *Engine) persist() (n int, err error) {
	if err := e.pstore.BeginTransaction(); err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			if rerr := e.pstore.RollbackTransaction(); rerr != nil {
				e.log.Warn("rollback persisted cache", zap.Error(rerr))
			}
			return
		}
		err = e.pstore.CommitTransaction()
	}()
	for _, f := range e.allFragments() {
		if !f.IsLive() || f.IsTrace() || f.Has(fragment.FlagWritableCode) || len(f.Ranges) != 1 {
			continue
		}
		reg, ok := e.mem.RegionAt(f.Tag)
		if !ok || reg.Kind != appmem.KindImage {
			continue
		}
		r := f.Ranges[0]
		rec := pcache.Record{
			Tag:    f.Tag,
			Module: reg.Name,
			Ranges: [][2]uint64{{r.Start, r.End}},
			Hash:   append([]byte(nil), f.CodeHash[:]...),
			Flags:  uint32(f.Flags() &^ (fragment.FlagShared | fragment.FlagTraceHead)),
			Instrs: f.Instrs,
		}
		if err := e.pstore.Put(rec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// prewarm builds the persisted blocks of every image region whose code is
// unchanged into t's cache. Stale records are dropped.
func (e *Engine) prewarm(t *Thread) (int, error) {
	n := 0
	for _, reg := range e.mem.Regions() {
		if reg.Kind != appmem.KindImage {
			continue
		}
		recs, err := e.pstore.Records(reg.Name)
		if err != nil {
			return n, err
		}
		for _, rec := range recs {
			if !e.recordValid(rec) {
				e.log.Log(dlog.Cache, 2, "stale persisted block", zap.String("module", rec.Module), dlog.Hex("tag", rec.Tag))
				if err := e.pstore.Delete(rec.Module, rec.Tag); err != nil {
					return n, err
				}
				continue
			}
			if t.set.table.Find(t.held, rec.Tag) != nil {
				continue
			}
			l, info, err := e.BuildBlock(t, rec.Tag)
			if err != nil {
				if IsFatal(err) {
					return n, err
				}
				continue
			}
			info.Flags |= fragment.FlagCoarseGrain
			if _, err := e.Emit(t, rec.Tag, l, info); err != nil {
				if IsFatal(err) {
					return n, err
				}
				if !rerrors.Is(err, errCodeChanged) {
					e.log.Warn("prewarm emit", dlog.Hex("tag", rec.Tag), zap.Error(err))
				}
				continue
			}
			e.stats.PersistedPrewarmed.Inc()
			n++
		}
	}
	return n, nil
}

// recordValid reports whether rec still describes the code in memory.
func (e *Engine) recordValid(rec pcache.Record) bool {
	if len(rec.Ranges) != 1 {
		return false
	}
	r := rec.Ranges[0]
	if r[1] <= r[0] || !e.mem.IsExecutable(r[0]) {
		return false
	}
	return rec.Matches(e.memoryHash([]fragment.Range{{Start: r[0], End: r[1]}}))
}
