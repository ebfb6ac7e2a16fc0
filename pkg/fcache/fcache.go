// Package fcache manages code cache memory: units of contiguous memory
// carved into fragment regions by a first-fit allocator with a sorted,
// coalescing free list, plus the bookkeeping the engine needs for FIFO
// replacement and for mapping cache addresses back to their fragments.
package fcache

import (
	"container/list"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dolthub/swiss"

	rerrors "github.com/ascrivener/rio/pkg/errors"
	"github.com/ascrivener/rio/pkg/lockrank"
)

const (
	// UnitStride separates the cache addresses of consecutive units.
	UnitStride = 1 << 24
	// MinUnitSize is the smallest unit accepted by New.
	MinUnitSize = 4096
	// Align is the alignment of every region returned by Alloc.
	Align = 8
)

var (
	// ErrNoSpace reports that no unit has room and no unit may be added.
	ErrNoSpace = rerrors.New("code cache full")
	// ErrTooLarge reports a request larger than a unit.
	ErrTooLarge = rerrors.New("allocation larger than cache unit")
)

type span struct {
	off, size int
}

// Unit is one contiguous piece of cache memory.
type Unit struct {
	index int
	base  uint64
	mem   []byte

	// free is sorted by offset with no two spans adjacent. Guarded by the
	// cache lock.
	free []span
	used int

	entriesMu sync.RWMutex
	entries   *swiss.Map[uint32, any]
}

func (u *Unit) Base() uint64 { return u.base }
func (u *Unit) Size() int    { return len(u.mem) }

type allocation struct {
	pc    uint64
	size  int
	owner any
}

// Victim is an allocation offered for replacement.
type Victim struct {
	PC    uint64
	Size  int
	Owner any
}

// Cache is a set of units addressed from a fixed base.
type Cache struct {
	name     string
	base     uint64
	unitSize int
	maxSize  int

	mu    *lockrank.RWMutex
	units atomic.Pointer[[]*Unit]
	fifo  *list.List // of *allocation, oldest first
	live  *swiss.Map[uint64, *list.Element]

	allocs atomic.Uint64
	frees  atomic.Uint64
	used   atomic.Int64
}

// New creates an empty cache whose units are addressed from base.
// maxSize zero means no limit on the number of units.
func New(name string, base uint64, unitSize, maxSize int) (*Cache, error) {
	if unitSize < MinUnitSize || unitSize > UnitStride {
		return nil, fmt.Errorf("cache %s: unit size %d out of range [%d,%d]", name, unitSize, MinUnitSize, UnitStride)
	}
	if base%UnitStride != 0 {
		return nil, fmt.Errorf("cache %s: base %#x not unit aligned", name, base)
	}
	c := &Cache{
		name:     name,
		base:     base,
		unitSize: unitSize,
		maxSize:  maxSize,
		mu:       lockrank.New("fcache:"+name, lockrank.RankAllocator),
		fifo:     list.New(),
		live:     swiss.NewMap[uint64, *list.Element](64),
	}
	empty := []*Unit{}
	c.units.Store(&empty)
	return c, nil
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) snapshot() []*Unit { return *c.units.Load() }

func roundUp(n int) int { return (n + Align - 1) &^ (Align - 1) }

func (c *Cache) addUnit() (*Unit, error) {
	units := c.snapshot()
	if c.maxSize != 0 && (len(units)+1)*c.unitSize > c.maxSize {
		return nil, ErrNoSpace
	}
	mem, err := mapUnit(c.unitSize)
	if err != nil {
		return nil, err
	}
	u := &Unit{
		index:   len(units),
		base:    c.base + uint64(len(units))*UnitStride,
		mem:     mem,
		free:    []span{{0, c.unitSize}},
		entries: swiss.NewMap[uint32, any](64),
	}
	next := append(append([]*Unit(nil), units...), u)
	c.units.Store(&next)
	return u, nil
}

func (u *Unit) take(size int) (int, bool) {
	for i, s := range u.free {
		if s.size < size {
			continue
		}
		off := s.off
		if s.size == size {
			u.free = append(u.free[:i], u.free[i+1:]...)
		} else {
			u.free[i] = span{s.off + size, s.size - size}
		}
		u.used += size
		return off, true
	}
	return 0, false
}

// give returns a span to the free list, coalescing with its neighbours.
func (u *Unit) give(off, size int) error {
	i := sort.Search(len(u.free), func(i int) bool { return u.free[i].off >= off })
	if i < len(u.free) && off+size > u.free[i].off {
		return rerrors.Assertf("free of %d bytes at offset %d overlaps free span at %d", size, off, u.free[i].off)
	}
	if i > 0 && u.free[i-1].off+u.free[i-1].size > off {
		return rerrors.Assertf("free of %d bytes at offset %d overlaps free span at %d", size, off, u.free[i-1].off)
	}
	mergePrev := i > 0 && u.free[i-1].off+u.free[i-1].size == off
	mergeNext := i < len(u.free) && off+size == u.free[i].off
	switch {
	case mergePrev && mergeNext:
		u.free[i-1].size += size + u.free[i].size
		u.free = append(u.free[:i], u.free[i+1:]...)
	case mergePrev:
		u.free[i-1].size += size
	case mergeNext:
		u.free[i] = span{off, size + u.free[i].size}
	default:
		u.free = append(u.free, span{})
		copy(u.free[i+1:], u.free[i:])
		u.free[i] = span{off, size}
	}
	u.used -= size
	return nil
}

// Alloc reserves size bytes (rounded up to Align) and returns their cache
// address. It tries existing units first-fit, then adds a unit while the
// cache is under its maximum size.
func (c *Cache) Alloc(h *lockrank.Held, size int) (uint64, error) {
	size = roundUp(size)
	if size <= 0 || size > c.unitSize {
		return 0, ErrTooLarge
	}
	c.mu.Lock(h)
	defer c.mu.Unlock(h)
	for _, u := range c.snapshot() {
		if off, ok := u.take(size); ok {
			return c.record(u, off, size), nil
		}
	}
	u, err := c.addUnit()
	if err != nil {
		return 0, err
	}
	off, _ := u.take(size)
	return c.record(u, off, size), nil
}

func (c *Cache) record(u *Unit, off, size int) uint64 {
	pc := u.base + uint64(off)
	c.live.Put(pc, c.fifo.PushBack(&allocation{pc: pc, size: size}))
	c.allocs.Add(1)
	c.used.Add(int64(size))
	return pc
}

// Free releases the region at pc. size must be the size passed to Alloc.
func (c *Cache) Free(h *lockrank.Held, pc uint64, size int) error {
	size = roundUp(size)
	u, off := c.unitOf(pc)
	if u == nil {
		return rerrors.Assertf("free of %#x outside cache %s", pc, c.name)
	}
	c.mu.Lock(h)
	defer c.mu.Unlock(h)
	el, ok := c.live.Get(pc)
	if !ok {
		return rerrors.Assertf("free of unallocated %#x in cache %s", pc, c.name)
	}
	if a := el.Value.(*allocation); a.size != size {
		return rerrors.Assertf("free of %#x with size %d, allocated %d", pc, size, a.size)
	}
	if err := u.give(off, size); err != nil {
		return err
	}
	c.fifo.Remove(el)
	c.live.Delete(pc)
	u.entriesMu.Lock()
	u.entries.Delete(uint32(off))
	u.entriesMu.Unlock()
	c.frees.Add(1)
	c.used.Add(-int64(size))
	return nil
}

// SetOwner records owner as the fragment entered at pc. Owned allocations
// are the ones offered by Victims.
func (c *Cache) SetOwner(h *lockrank.Held, pc uint64, owner any) {
	u, off := c.unitOf(pc)
	if u == nil {
		return
	}
	c.mu.Lock(h)
	if el, ok := c.live.Get(pc); ok {
		el.Value.(*allocation).owner = owner
	}
	c.mu.Unlock(h)
	u.entriesMu.Lock()
	u.entries.Put(uint32(off), owner)
	u.entriesMu.Unlock()
}

// Owner returns the owner of the region entered at pc, or nil.
func (c *Cache) Owner(pc uint64) any {
	u, off := c.unitOf(pc)
	if u == nil {
		return nil
	}
	u.entriesMu.RLock()
	defer u.entriesMu.RUnlock()
	o, _ := u.entries.Get(uint32(off))
	return o
}

// Containing returns the owner and entry pc of the allocation holding pc,
// or nil.
func (c *Cache) Containing(h *lockrank.Held, pc uint64) (any, uint64) {
	if u, _ := c.unitOf(pc); u == nil {
		return nil, 0
	}
	c.mu.RLock(h)
	defer c.mu.RUnlock(h)
	for el := c.fifo.Front(); el != nil; el = el.Next() {
		a := el.Value.(*allocation)
		if pc >= a.pc && pc < a.pc+uint64(a.size) {
			return a.owner, a.pc
		}
	}
	return nil, 0
}

// Victims lists owned allocations oldest first.
func (c *Cache) Victims(h *lockrank.Held) []Victim {
	c.mu.RLock(h)
	defer c.mu.RUnlock(h)
	out := make([]Victim, 0, c.fifo.Len())
	for el := c.fifo.Front(); el != nil; el = el.Next() {
		a := el.Value.(*allocation)
		if a.owner != nil {
			out = append(out, Victim{PC: a.pc, Size: a.size, Owner: a.owner})
		}
	}
	return out
}

// CanFit reports whether Alloc(size) would succeed without a new unit.
func (c *Cache) CanFit(h *lockrank.Held, size int) bool {
	size = roundUp(size)
	c.mu.RLock(h)
	defer c.mu.RUnlock(h)
	for _, u := range c.snapshot() {
		for _, s := range u.free {
			if s.size >= size {
				return true
			}
		}
	}
	return c.maxSize == 0 || (len(c.snapshot())+1)*c.unitSize <= c.maxSize
}

func (c *Cache) unitOf(pc uint64) (*Unit, int) {
	if pc < c.base {
		return nil, 0
	}
	idx := (pc - c.base) / UnitStride
	units := c.snapshot()
	if idx >= uint64(len(units)) {
		return nil, 0
	}
	u := units[idx]
	off := int(pc - u.base)
	if off >= len(u.mem) {
		return nil, 0
	}
	return u, off
}

// Contains reports whether pc addresses memory of this cache.
func (c *Cache) Contains(pc uint64) bool {
	u, _ := c.unitOf(pc)
	return u != nil
}

// Bytes returns the n bytes of cache memory at pc, or nil if the range is
// not inside one unit.
func (c *Cache) Bytes(pc uint64, n int) []byte {
	u, off := c.unitOf(pc)
	if u == nil || off+n > len(u.mem) {
		return nil
	}
	return u.mem[off : off+n : off+n]
}

// Window returns the bytes from pc to the end of its unit.
func (c *Cache) Window(pc uint64) []byte {
	u, off := c.unitOf(pc)
	if u == nil {
		return nil
	}
	return u.mem[off:]
}

func (c *Cache) word(pc uint64) *uint32 {
	if pc%4 != 0 {
		panic(fmt.Sprintf("fcache: unaligned rel32 access at %#x", pc))
	}
	b := c.Bytes(pc, 4)
	if b == nil {
		panic(fmt.Sprintf("fcache: rel32 access at %#x outside cache %s", pc, c.name))
	}
	return (*uint32)(unsafe.Pointer(&b[0]))
}

// LoadRel32 atomically reads the 4-byte aligned little-endian field at pc.
func (c *Cache) LoadRel32(pc uint64) int32 {
	return int32(atomic.LoadUint32(c.word(pc)))
}

// StoreRel32 atomically patches the 4-byte aligned field at pc.
func (c *Cache) StoreRel32(pc uint64, v int32) {
	atomic.StoreUint32(c.word(pc), uint32(v))
}

// Stats reports cache usage.
type Stats struct {
	Units     int
	Capacity  int
	Used      int
	Allocs    uint64
	Frees     uint64
	Fragments int
}

func (c *Cache) Stats() Stats {
	units := c.snapshot()
	owned := 0
	for _, u := range units {
		u.entriesMu.RLock()
		owned += u.entries.Count()
		u.entriesMu.RUnlock()
	}
	return Stats{
		Units:     len(units),
		Capacity:  len(units) * c.unitSize,
		Used:      int(c.used.Load()),
		Allocs:    c.allocs.Load(),
		Frees:     c.frees.Load(),
		Fragments: owned,
	}
}

// Close releases every unit. The cache must not be used afterwards.
func (c *Cache) Close() error {
	var first error
	for _, u := range c.snapshot() {
		if err := unmapUnit(u.mem); err != nil && first == nil {
			first = err
		}
		u.mem = nil
	}
	empty := []*Unit{}
	c.units.Store(&empty)
	return first
}
