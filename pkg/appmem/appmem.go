// Package appmem is the application's address space: paged memory with
// per-page permissions, named regions standing in for loaded modules, and
// tracking of pages that hold code the engine has translated so that
// writes to them can be detected.
package appmem

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	rerrors "github.com/ascrivener/rio/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// Constants for the address space layout
const (
	PageSize     = 1 << 12
	AddressLimit = 1 << 31
	NumPages     = AddressLimit / PageSize

	dirBits  = 10
	dirSize  = 1 << dirBits
	numDirs  = NumPages / dirSize
	pageMask = PageSize - 1
)

// Perm is a set of page access rights.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec

	PermRW  = PermRead | PermWrite
	PermRX  = PermRead | PermExec
	PermRWX = PermRead | PermWrite | PermExec
)

func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Kind classifies a region for execution policy.
type Kind uint8

const (
	KindImage Kind = iota
	KindHeap
	KindStack
	KindClient
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindHeap:
		return "heap"
	case KindStack:
		return "stack"
	case KindClient:
		return "client"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Region is a named mapped range.
type Region struct {
	Name string
	Kind Kind
	Base uint64
	Size uint64
	Perm Perm
}

func (r Region) End() uint64 { return r.Base + r.Size }

func (r Region) Contains(addr uint64) bool { return addr >= r.Base && addr < r.End() }

// ErrFault is wrapped by every access violation.
var ErrFault = rerrors.New("memory access fault")

// Fault describes an access violation.
type Fault struct {
	Addr   uint64
	Access Perm
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s access at %#x: %v", f.Access, f.Addr, ErrFault)
}

func (f *Fault) Unwrap() error { return ErrFault }

type page struct {
	mu   sync.RWMutex
	data [PageSize]byte
	perm atomic.Uint32
	// code is set once the engine has translated code from this page.
	code atomic.Bool
}

type pageDir [dirSize]atomic.Pointer[page]

// Memory is safe for concurrent use by every application thread.
type Memory struct {
	dirs [numDirs]atomic.Pointer[pageDir]

	regionsMu sync.RWMutex
	regions   []Region // sorted by Base

	codeWrites atomic.Uint64
}

// New returns an empty address space.
func New() *Memory {
	return &Memory{}
}

//
// Page table
//

func (m *Memory) lookup(pageNum uint64) *page {
	if pageNum >= NumPages {
		return nil
	}
	dir := m.dirs[pageNum>>dirBits].Load()
	if dir == nil {
		return nil
	}
	return dir[pageNum&(dirSize-1)].Load()
}

func (m *Memory) install(pageNum uint64, p *page) {
	slot := &m.dirs[pageNum>>dirBits]
	dir := slot.Load()
	if dir == nil {
		fresh := new(pageDir)
		if slot.CompareAndSwap(nil, fresh) {
			dir = fresh
		} else {
			dir = slot.Load()
		}
	}
	dir[pageNum&(dirSize-1)].Store(p)
}

func pageRange(base, size uint64) (first, last uint64) {
	return base / PageSize, (base + size - 1) / PageSize
}

//
// Regions
//

// Map creates a zeroed region. base and size must be page aligned and the
// range must not overlap an existing region.
func (m *Memory) Map(name string, kind Kind, base, size uint64, perm Perm) error {
	if base%PageSize != 0 || size%PageSize != 0 || size == 0 {
		return fmt.Errorf("map %s: range %#x+%#x not page aligned", name, base, size)
	}
	if base+size > AddressLimit || base+size < base {
		return fmt.Errorf("map %s: range %#x+%#x beyond address limit", name, base, size)
	}
	m.regionsMu.Lock()
	defer m.regionsMu.Unlock()
	for _, r := range m.regions {
		if base < r.End() && r.Base < base+size {
			return fmt.Errorf("map %s: range %#x+%#x overlaps %s", name, base, size, r.Name)
		}
	}
	first, last := pageRange(base, size)
	for pn := first; pn <= last; pn++ {
		p := new(page)
		p.perm.Store(uint32(perm))
		m.install(pn, p)
	}
	m.regions = append(m.regions, Region{Name: name, Kind: kind, Base: base, Size: size, Perm: perm})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })
	return nil
}

// Unmap removes the region starting at base.
func (m *Memory) Unmap(base uint64) error {
	m.regionsMu.Lock()
	defer m.regionsMu.Unlock()
	for i, r := range m.regions {
		if r.Base != base {
			continue
		}
		first, last := pageRange(r.Base, r.Size)
		for pn := first; pn <= last; pn++ {
			m.install(pn, nil)
		}
		m.regions = append(m.regions[:i], m.regions[i+1:]...)
		return nil
	}
	return fmt.Errorf("unmap: no region at %#x", base)
}

// Protect changes the permissions of every page in the range.
func (m *Memory) Protect(base, size uint64, perm Perm) error {
	if size == 0 {
		return nil
	}
	first, last := pageRange(base, size)
	for pn := first; pn <= last; pn++ {
		p := m.lookup(pn)
		if p == nil {
			return &Fault{Addr: pn * PageSize}
		}
		p.perm.Store(uint32(perm))
	}
	return nil
}

// RegionAt returns the region containing addr.
func (m *Memory) RegionAt(addr uint64) (Region, bool) {
	m.regionsMu.RLock()
	defer m.regionsMu.RUnlock()
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].End() > addr })
	if i < len(m.regions) && m.regions[i].Contains(addr) {
		return m.regions[i], true
	}
	return Region{}, false
}

// RegionNamed looks a region up by name.
func (m *Memory) RegionNamed(name string) (Region, bool) {
	m.regionsMu.RLock()
	defer m.regionsMu.RUnlock()
	for _, r := range m.regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// Regions returns a snapshot of all regions in address order.
func (m *Memory) Regions() []Region {
	m.regionsMu.RLock()
	defer m.regionsMu.RUnlock()
	return append([]Region(nil), m.regions...)
}

//
// Access
//

// access walks [addr, addr+n) page by page, checking need on every page
// and handing each chunk to fn with the page locked.
func (m *Memory) access(addr uint64, n int, need Perm, write bool, fn func(p *page, off uint64, lo, hi int)) error {
	done := 0
	for done < n {
		a := addr + uint64(done)
		p := m.lookup(a / PageSize)
		if p == nil || Perm(p.perm.Load())&need != need {
			return &Fault{Addr: a, Access: need}
		}
		off := a & pageMask
		chunk := min(n-done, int(PageSize-off))
		if write {
			p.mu.Lock()
		} else {
			p.mu.RLock()
		}
		fn(p, off, done, done+chunk)
		if write {
			p.mu.Unlock()
		} else {
			p.mu.RUnlock()
		}
		done += chunk
	}
	return nil
}

// Read copies len(buf) readable bytes at addr.
func (m *Memory) Read(addr uint64, buf []byte) error {
	return m.access(addr, len(buf), PermRead, false, func(p *page, off uint64, lo, hi int) {
		copy(buf[lo:hi], p.data[off:])
	})
}

// Write stores data at addr. It reports whether any byte landed on a page
// holding translated code; the store has happened either way.
func (m *Memory) Write(addr uint64, data []byte) (bool, error) {
	hit := false
	err := m.access(addr, len(data), PermWrite, true, func(p *page, off uint64, lo, hi int) {
		copy(p.data[off:], data[lo:hi])
		if p.code.Load() {
			hit = true
		}
	})
	if hit {
		m.codeWrites.Add(1)
	}
	return hit, err
}

func (m *Memory) ReadU64(addr uint64) (uint64, error) {
	var b [8]byte
	if err := m.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (m *Memory) ReadU8(addr uint64) (uint8, error) {
	var b [1]byte
	err := m.Read(addr, b[:])
	return b[0], err
}

func (m *Memory) WriteU64(addr, v uint64) (bool, error) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.Write(addr, b[:])
}

func (m *Memory) WriteU8(addr uint64, v uint8) (bool, error) {
	return m.Write(addr, []byte{v})
}

// AddU64 atomically adds delta to the little-endian word at addr. The word
// must not cross a page boundary.
func (m *Memory) AddU64(addr uint64, delta int64) (bool, error) {
	if addr&pageMask > PageSize-8 {
		return false, &Fault{Addr: addr, Access: PermWrite}
	}
	hit := false
	err := m.access(addr, 8, PermRW, true, func(p *page, off uint64, _, _ int) {
		v := binary.LittleEndian.Uint64(p.data[off:])
		binary.LittleEndian.PutUint64(p.data[off:], v+uint64(delta))
		hit = p.code.Load()
	})
	if hit {
		m.codeWrites.Add(1)
	}
	return hit, err
}

// Load copies data into mapped memory regardless of permissions. Loaders
// use it to populate read-only images.
func (m *Memory) Load(addr uint64, data []byte) error {
	return m.access(addr, len(data), 0, true, func(p *page, off uint64, lo, hi int) {
		copy(p.data[off:], data[lo:hi])
	})
}

// FetchCode copies executable bytes at pc into buf, stopping at the first
// non-executable page, and returns the count.
func (m *Memory) FetchCode(pc uint64, buf []byte) int {
	done := 0
	for done < len(buf) {
		a := pc + uint64(done)
		p := m.lookup(a / PageSize)
		if p == nil || Perm(p.perm.Load())&PermExec == 0 {
			break
		}
		off := a & pageMask
		p.mu.RLock()
		done += copy(buf[done:], p.data[off:])
		p.mu.RUnlock()
	}
	return done
}

// IsExecutable reports whether pc lies on an executable page.
func (m *Memory) IsExecutable(pc uint64) bool {
	p := m.lookup(pc / PageSize)
	return p != nil && Perm(p.perm.Load())&PermExec != 0
}

// PermAt returns the permissions of the page holding addr, zero when
// unmapped.
func (m *Memory) PermAt(addr uint64) Perm {
	p := m.lookup(addr / PageSize)
	if p == nil {
		return 0
	}
	return Perm(p.perm.Load())
}

//
// Code tracking
//

// MarkCode records that [base, base+size) has been translated.
func (m *Memory) MarkCode(base, size uint64) {
	if size == 0 {
		return
	}
	first, last := pageRange(base, size)
	for pn := first; pn <= last; pn++ {
		if p := m.lookup(pn); p != nil {
			p.code.Store(true)
		}
	}
}

// IsCode reports whether addr is on a page holding translated code.
func (m *Memory) IsCode(addr uint64) bool {
	p := m.lookup(addr / PageSize)
	return p != nil && p.code.Load()
}

// CodeWrites counts stores that hit translated code pages.
func (m *Memory) CodeWrites() uint64 { return m.codeWrites.Load() }

// PageBounds returns the page-aligned range containing addr.
func PageBounds(addr uint64) (uint64, uint64) {
	base := addr &^ pageMask
	return base, base + PageSize
}

// Hash digests the bytes of [base, base+size) regardless of permissions.
// Unmapped bytes hash as absent, so a later mapping changes the digest.
func (m *Memory) Hash(base, size uint64) [32]byte {
	h, _ := blake2b.New256(nil)
	var absent [1]byte
	for done := uint64(0); done < size; {
		a := base + done
		off := a & pageMask
		chunk := min(size-done, PageSize-off)
		p := m.lookup(a / PageSize)
		if p == nil {
			absent[0] = 0xFF
			h.Write(absent[:])
		} else {
			p.mu.RLock()
			h.Write(p.data[off : off+chunk])
			p.mu.RUnlock()
		}
		done += chunk
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
