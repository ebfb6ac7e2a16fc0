// Package lockrank provides reader-writer mutexes that carry a rank and an
// optional runtime check that every owner acquires them in strictly
// increasing rank order.
package lockrank

import (
	"fmt"
	"sync"
)

// Rank orders locks. A lock may only be acquired while every lock already
// held by the same owner has a lower rank.
type Rank int

const (
	RankNone Rank = iota
	RankSynch
	RankRegions
	RankTable
	RankIBL
	RankAllocator
)

var rankNames = map[Rank]string{
	RankNone:      "none",
	RankSynch:     "synch",
	RankRegions:   "regions",
	RankTable:     "table",
	RankIBL:       "ibl",
	RankAllocator: "allocator",
}

func (r Rank) String() string {
	if s, ok := rankNames[r]; ok {
		return s
	}
	return fmt.Sprintf("rank(%d)", r)
}

// Held tracks the ranks an owner (a thread context, or a one-off caller)
// currently holds. A nil *Held disables checking.
type Held struct {
	ranks []Rank
}

// NewHeld returns a tracker for one owner.
func NewHeld() *Held {
	return &Held{ranks: make([]Rank, 0, 4)}
}

func (h *Held) push(r Rank, name string) {
	if h == nil {
		return
	}
	if n := len(h.ranks); n > 0 && h.ranks[n-1] >= r {
		panic(fmt.Sprintf("lock rank violation: acquiring %s (%s) while holding %s", name, r, h.ranks[n-1]))
	}
	h.ranks = append(h.ranks, r)
}

func (h *Held) pop(r Rank, name string) {
	if h == nil {
		return
	}
	n := len(h.ranks)
	if n == 0 || h.ranks[n-1] != r {
		panic(fmt.Sprintf("lock rank violation: releasing %s (%s) out of order", name, r))
	}
	h.ranks = h.ranks[:n-1]
}

// Depth returns the number of locks held.
func (h *Held) Depth() int {
	if h == nil {
		return 0
	}
	return len(h.ranks)
}

// Holds reports whether a lock of rank r is currently held.
func (h *Held) Holds(r Rank) bool {
	if h == nil {
		return false
	}
	for _, x := range h.ranks {
		if x == r {
			return true
		}
	}
	return false
}

// RWMutex is a sync.RWMutex with a rank and a name for diagnostics.
type RWMutex struct {
	mu   sync.RWMutex
	rank Rank
	name string
}

// New returns a ranked mutex.
func New(name string, rank Rank) *RWMutex {
	return &RWMutex{rank: rank, name: name}
}

func (m *RWMutex) Lock(h *Held) {
	h.push(m.rank, m.name)
	m.mu.Lock()
}

func (m *RWMutex) Unlock(h *Held) {
	m.mu.Unlock()
	h.pop(m.rank, m.name)
}

func (m *RWMutex) RLock(h *Held) {
	h.push(m.rank, m.name)
	m.mu.RLock()
}

func (m *RWMutex) RUnlock(h *Held) {
	m.mu.RUnlock()
	h.pop(m.rank, m.name)
}
