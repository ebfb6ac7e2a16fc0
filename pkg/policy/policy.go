// Package policy decides which application code the engine may execute.
package policy

import (
	"sync"

	"github.com/ascrivener/rio/pkg/appmem"
)

// Checker is consulted before a block is emitted or linked to.
type Checker interface {
	IsExecutionAllowed(tag uint64) bool
}

// AllowAll permits everything.
type AllowAll struct{}

func (AllowAll) IsExecutionAllowed(uint64) bool { return true }

// RegionPolicy allows code from executable image regions, and from
// executable heap and stack regions when AllowHeap is set. Individual
// ranges may be denied explicitly.
type RegionPolicy struct {
	Mem       *appmem.Memory
	AllowHeap bool

	mu     sync.RWMutex
	denied [][2]uint64
}

func NewRegionPolicy(mem *appmem.Memory, allowHeap bool) *RegionPolicy {
	return &RegionPolicy{Mem: mem, AllowHeap: allowHeap}
}

// Deny forbids execution of [lo, hi).
func (p *RegionPolicy) Deny(lo, hi uint64) {
	p.mu.Lock()
	p.denied = append(p.denied, [2]uint64{lo, hi})
	p.mu.Unlock()
}

func (p *RegionPolicy) IsExecutionAllowed(tag uint64) bool {
	p.mu.RLock()
	for _, r := range p.denied {
		if tag >= r[0] && tag < r[1] {
			p.mu.RUnlock()
			return false
		}
	}
	p.mu.RUnlock()
	r, ok := p.Mem.RegionAt(tag)
	if !ok || r.Perm&appmem.PermExec == 0 {
		return false
	}
	switch r.Kind {
	case appmem.KindImage:
		return true
	case appmem.KindHeap, appmem.KindStack:
		return p.AllowHeap
	}
	return false
}
