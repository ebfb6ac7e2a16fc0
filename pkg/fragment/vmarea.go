package fragment

import (
	"slices"

	"github.com/dolthub/swiss"

	"github.com/ascrivener/rio/pkg/lockrank"
)

const (
	pageShift = 12
	pageSize  = 1 << pageShift
)

// RegionIndex maps application pages to the fragments built from code on
// them, so a flush of an address range finds every affected fragment.
//
// Methods other than Overlapping require the caller to hold Lock for writing.
type RegionIndex struct {
	mu    *lockrank.RWMutex
	pages *swiss.Map[uint64, []*Fragment]
}

func NewRegionIndex(name string) *RegionIndex {
	return &RegionIndex{
		mu:    lockrank.New("regions:"+name, lockrank.RankRegions),
		pages: swiss.NewMap[uint64, []*Fragment](64),
	}
}

func (x *RegionIndex) Lock() *lockrank.RWMutex { return x.mu }

func pagesOf(r Range) (first, last uint64) {
	if r.End <= r.Start {
		return r.Start >> pageShift, r.Start >> pageShift
	}
	return r.Start >> pageShift, (r.End - 1) >> pageShift
}

// Add indexes f under every page its ranges touch.
func (x *RegionIndex) Add(f *Fragment) {
	for _, r := range f.Ranges {
		first, last := pagesOf(r)
		for p := first; p <= last; p++ {
			list, _ := x.pages.Get(p)
			if !slices.Contains(list, f) {
				x.pages.Put(p, append(list, f))
			}
		}
	}
}

// Remove drops f from the index.
func (x *RegionIndex) Remove(f *Fragment) {
	for _, r := range f.Ranges {
		first, last := pagesOf(r)
		for p := first; p <= last; p++ {
			list, ok := x.pages.Get(p)
			if !ok {
				continue
			}
			if i := slices.Index(list, f); i >= 0 {
				list = slices.Delete(list, i, i+1)
			}
			if len(list) == 0 {
				x.pages.Delete(p)
			} else {
				x.pages.Put(p, list)
			}
		}
	}
}

// Overlapping returns the fragments with an application range overlapping
// [lo, hi), each once, in tag order. The caller must hold Lock.
func (x *RegionIndex) Overlapping(lo, hi uint64) []*Fragment {
	if hi <= lo {
		return nil
	}
	var out []*Fragment
	first, last := pagesOf(Range{lo, hi})
	if last-first > uint64(x.pages.Count()) {
		// Sparse index, wide range: walk the index instead of the range.
		x.pages.Iter(func(p uint64, list []*Fragment) bool {
			if p >= first && p <= last {
				out = appendOverlapping(out, list, lo, hi)
			}
			return false
		})
	} else {
		for p := first; p <= last; p++ {
			if list, ok := x.pages.Get(p); ok {
				out = appendOverlapping(out, list, lo, hi)
			}
		}
	}
	slices.SortFunc(out, func(a, b *Fragment) int {
		switch {
		case a.Tag != b.Tag:
			if a.Tag < b.Tag {
				return -1
			}
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

func appendOverlapping(out, list []*Fragment, lo, hi uint64) []*Fragment {
	for _, f := range list {
		if f.OverlapsApp(lo, hi) && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// Pages returns the number of indexed pages.
func (x *RegionIndex) Pages() int { return x.pages.Count() }
