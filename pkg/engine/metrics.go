package engine

import (
	"github.com/ascrivener/rio/pkg/ir"
	"github.com/ascrivener/rio/pkg/stats"
)

// registerMetrics adds the metrics read from engine state at gather time.
func (e *Engine) registerMetrics() {
	e.stats.GaugeFunc("cache_used_bytes", "Bytes of code cache holding fragments", func() float64 {
		return float64(e.cacheStats().Used)
	})
	e.stats.GaugeFunc("cache_capacity_bytes", "Bytes of code cache mapped", func() float64 {
		return float64(e.cacheStats().Capacity)
	})
	e.stats.GaugeVecFunc("fragments", "Fragments registered in all tables", []string{"kind"}, e.fragmentCounts)
	e.stats.GaugeFunc("pending_links", "Direct exits waiting for their target to be built", func() float64 {
		n := 0
		for _, s := range e.allSets() {
			s.table.Lock().RLock(nil)
			n += s.table.FutureCount()
			s.table.Lock().RUnlock(nil)
		}
		return float64(n)
	})
	e.stats.GaugeFunc("indexed_pages", "Application pages holding code of a resident fragment", func() float64 {
		n := 0
		for _, s := range e.allSets() {
			s.regions.Lock().RLock(nil)
			n += s.regions.Pages()
			s.regions.Lock().RUnlock(nil)
		}
		return float64(n)
	})
	e.stats.CounterFunc("code_writes_total", "Application stores to pages holding translated code", func() float64 {
		return float64(e.mem.CodeWrites())
	})

	branches := []string{"branch"}
	e.stats.CounterVecFunc("ibl_lookups_total", "Inline indirect branch lookups by branch type and result",
		[]string{"branch", "result"}, func() []stats.Sample {
			var out []stats.Sample
			for b, st := range e.iblStats() {
				out = append(out,
					stats.Sample{Labels: []string{b.String(), "hit"}, Value: float64(st.Hits)},
					stats.Sample{Labels: []string{b.String(), "miss"}, Value: float64(st.Misses)})
			}
			return out
		})
	e.stats.CounterVecFunc("ibl_collisions_total", "Probes past a different tag during lookups", branches, func() []stats.Sample {
		return e.iblSamples(func(st iblTotals) float64 { return float64(st.Collisions) })
	})
	e.stats.GaugeVecFunc("ibl_entries", "Targets held in the lookup tables", branches, func() []stats.Sample {
		return e.iblSamples(func(st iblTotals) float64 { return float64(st.Entries) })
	})
	e.stats.GaugeVecFunc("ibl_capacity", "Slots of the lookup tables", branches, func() []stats.Sample {
		return e.iblSamples(func(st iblTotals) float64 { return float64(st.Capacity) })
	})
}

func (e *Engine) fragmentCounts() []stats.Sample {
	var bbs, traces int
	for _, s := range e.allSets() {
		s.table.Lock().RLock(nil)
		b, t := s.table.Counts()
		s.table.Lock().RUnlock(nil)
		bbs += b
		traces += t
	}
	return []stats.Sample{
		{Labels: []string{"bb"}, Value: float64(bbs)},
		{Labels: []string{"trace"}, Value: float64(traces)},
	}
}

type iblTotals struct {
	Capacity, Entries        int
	Hits, Misses, Collisions uint64
}

// iblStats sums the lookup tables of every cache set per branch type.
func (e *Engine) iblStats() map[ir.BranchType]iblTotals {
	out := make(map[ir.BranchType]iblTotals, ir.BranchTypeCount)
	for _, s := range e.allSets() {
		for _, tbl := range s.ibl {
			st := tbl.Stats(nil)
			sum := out[st.Branch]
			sum.Capacity += st.Capacity
			sum.Entries += st.Entries
			sum.Hits += st.Hits
			sum.Misses += st.Misses
			sum.Collisions += st.Collisions
			out[st.Branch] = sum
		}
	}
	return out
}

func (e *Engine) iblSamples(value func(iblTotals) float64) []stats.Sample {
	var out []stats.Sample
	for b, st := range e.iblStats() {
		out = append(out, stats.Sample{Labels: []string{b.String()}, Value: value(st)})
	}
	return out
}
