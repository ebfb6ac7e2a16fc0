// Package fragment holds the descriptors of code resident in the code cache
// and the structures that index them: the per-cache fragment table, the
// application-range index used by flushes, and the indirect branch lookup
// tables read by cache code.
package fragment

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/ascrivener/rio/pkg/ir"
)

// Flags describe a fragment. They may change after registration (a block
// becoming a trace head) so they are stored atomically.
type Flags uint32

const (
	FlagTrace Flags = 1 << iota
	FlagShared
	FlagCoarseGrain
	FlagTraceHead
	FlagHasSyscall
	FlagCannotBeTrace
	FlagHasTranslation
	FlagCannotDelete
	// FlagWritableCode marks fragments built from writable memory.
	FlagWritableCode
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagTrace, "trace"},
	{FlagShared, "shared"},
	{FlagCoarseGrain, "coarse"},
	{FlagTraceHead, "head"},
	{FlagHasSyscall, "syscall"},
	{FlagCannotBeTrace, "no-trace"},
	{FlagHasTranslation, "translation"},
	{FlagCannotDelete, "pinned"},
	{FlagWritableCode, "writable"},
}

func (f Flags) String() string {
	var parts []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// State is the lifecycle of a fragment.
type State int32

const (
	StateLive State = iota
	// StateFlushing fragments may not be entered but their memory is still
	// intact.
	StateFlushing
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateFlushing:
		return "flushing"
	case StateDeleted:
		return "deleted"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Range is a half-open application address range.
type Range struct {
	Start, End uint64
}

func (r Range) Overlaps(lo, hi uint64) bool { return r.Start < hi && lo < r.End }

// TransEntry maps the cache instruction at CacheOff (relative to the
// fragment entry) to the application pc it stands for.
type TransEntry struct {
	CacheOff uint32
	AppPC    uint64
}

// Fragment is one basic block or trace resident in a code cache.
type Fragment struct {
	Tag      uint64
	Start    uint64
	Size     int
	BodySize int

	Exits []*Linkstub
	// Ranges holds one application range per constituent block.
	Ranges []Range
	// Blocks lists the constituent block tags of a trace.
	Blocks []uint64
	// Translations is set for fragments with FlagHasTranslation.
	Translations []TransEntry
	// CodeHash is the hash of the application bytes of Ranges at build time.
	CodeHash [32]byte
	// Owner is the owning thread id for private fragments, or -1.
	Owner int
	// Instrs counts the application instructions the fragment was built
	// from.
	Instrs int

	flags atomic.Uint32
	state atomic.Int32
	heat  atomic.Int64

	// incoming holds the exits of other fragments linked to this one.
	// Guarded by the table lock.
	incoming []*Linkstub
}

// New returns a live fragment with the given identity and flags.
func New(tag, start uint64, size int, flags Flags) *Fragment {
	f := &Fragment{Tag: tag, Start: start, Size: size, Owner: -1}
	f.flags.Store(uint32(flags))
	return f
}

func (f *Fragment) Flags() Flags            { return Flags(f.flags.Load()) }
func (f *Fragment) Has(fl Flags) bool       { return f.Flags()&fl != 0 }
func (f *Fragment) IsTrace() bool           { return f.Has(FlagTrace) }
func (f *Fragment) IsShared() bool          { return f.Has(FlagShared) }
func (f *Fragment) End() uint64             { return f.Start + uint64(f.Size) }
func (f *Fragment) Contains(pc uint64) bool { return pc >= f.Start && pc < f.End() }

func (f *Fragment) SetFlags(fl Flags) {
	for {
		old := f.flags.Load()
		if f.flags.CompareAndSwap(old, old|uint32(fl)) {
			return
		}
	}
}

func (f *Fragment) State() State { return State(f.state.Load()) }
func (f *Fragment) IsLive() bool { return f.State() == StateLive }

func (f *Fragment) SetState(s State) { f.state.Store(int32(s)) }

// TransitionState moves the fragment from old to s and reports success.
func (f *Fragment) TransitionState(old, s State) bool {
	return f.state.CompareAndSwap(int32(old), int32(s))
}

// Heat increments and returns the dispatch count of a trace head.
func (f *Fragment) Heat() int64 { return f.heat.Add(1) }

// ResetHeat clears the dispatch count.
func (f *Fragment) ResetHeat() { f.heat.Store(0) }

// Incoming returns a copy of the exits linked into f. The table lock must be
// held.
func (f *Fragment) Incoming() []*Linkstub { return slices.Clone(f.incoming) }

func (f *Fragment) addIncoming(l *Linkstub) { f.incoming = append(f.incoming, l) }

func (f *Fragment) removeIncoming(l *Linkstub) bool {
	i := slices.Index(f.incoming, l)
	if i < 0 {
		return false
	}
	f.incoming = slices.Delete(f.incoming, i, i+1)
	return true
}

// ExitAt returns the exit whose exit branch is at cache pc, or nil.
func (f *Fragment) ExitAt(pc uint64) *Linkstub {
	for _, l := range f.Exits {
		if l.CTIPC() == pc {
			return l
		}
	}
	return nil
}

// LookupTranslation returns the application pc of the instruction covering
// cache offset off in a translation table sorted by offset.
func LookupTranslation(entries []TransEntry, off uint32) (uint64, bool) {
	i, found := slices.BinarySearchFunc(entries, off, func(e TransEntry, off uint32) int {
		switch {
		case e.CacheOff < off:
			return -1
		case e.CacheOff > off:
			return 1
		}
		return 0
	})
	if found {
		return entries[i].AppPC, true
	}
	if i == 0 {
		return 0, false
	}
	return entries[i-1].AppPC, true
}

// OverlapsApp reports whether any of f's application ranges overlaps
// [lo, hi).
func (f *Fragment) OverlapsApp(lo, hi uint64) bool {
	for _, r := range f.Ranges {
		if r.Overlaps(lo, hi) {
			return true
		}
	}
	return false
}

func (f *Fragment) String() string {
	kind := "bb"
	if f.IsTrace() {
		kind = "trace"
	}
	return fmt.Sprintf("%s %#x @%#x+%d [%s] %s", kind, f.Tag, f.Start, f.Size, f.Flags(), f.State())
}

// ExitKind classifies the control transfer an exit stands for.
type ExitKind uint8

const (
	ExitDirect ExitKind = iota
	ExitIndirect
	ExitSyscall
	ExitInterrupt
)

func (k ExitKind) String() string {
	switch k {
	case ExitDirect:
		return "direct"
	case ExitIndirect:
		return "indirect"
	case ExitSyscall:
		return "syscall"
	case ExitInterrupt:
		return "interrupt"
	}
	return fmt.Sprintf("exit(%d)", uint8(k))
}

// Linkstub describes one exit of a fragment: the exit branch in the body
// and the stub it targets while unlinked.
type Linkstub struct {
	Owner *Fragment
	Ord   uint16
	Kind  ExitKind
	// Target is the application target of a direct exit, or the pc to resume
	// at after a syscall or interrupt.
	Target uint64
	Branch ir.BranchType
	Vector uint8
	// AppPC is the application pc of the branch this exit came from.
	AppPC uint64

	// CTIOffset, RelOffset and StubOffset are relative to Owner.Start.
	CTIOffset  int
	RelOffset  int
	StubOffset int

	// Guarded by the table lock.
	linked   bool
	linkedTo *Fragment
}

func (l *Linkstub) CTIPC() uint64  { return l.Owner.Start + uint64(l.CTIOffset) }
func (l *Linkstub) RelPC() uint64  { return l.Owner.Start + uint64(l.RelOffset) }
func (l *Linkstub) StubPC() uint64 { return l.Owner.Start + uint64(l.StubOffset) }

// ExitPC is where the exit branch goes when unlinked: the stub's exit
// instruction, which follows the lookup instruction for indirect exits.
func (l *Linkstub) ExitPC() uint64 {
	if l.Kind == ExitIndirect {
		return l.StubPC() + uint64(ir.OpIBL.Length())
	}
	return l.StubPC()
}

func (l *Linkstub) IsLinked() bool      { return l.linked }
func (l *Linkstub) LinkedTo() *Fragment { return l.linkedTo }

// SetLinked records the exit as linked to to, which is nil for indirect
// exits. The table lock must be held.
func (l *Linkstub) SetLinked(to *Fragment) {
	if l.linkedTo != nil {
		l.linkedTo.removeIncoming(l)
	}
	l.linked = true
	l.linkedTo = to
	if to != nil {
		to.addIncoming(l)
	}
}

// SetUnlinked records the exit as going to its stub. The table lock must be
// held.
func (l *Linkstub) SetUnlinked() {
	if l.linkedTo != nil {
		l.linkedTo.removeIncoming(l)
	}
	l.linked = false
	l.linkedTo = nil
}

func (l *Linkstub) String() string {
	s := fmt.Sprintf("exit %d %s", l.Ord, l.Kind)
	switch l.Kind {
	case ExitIndirect:
		s += " " + l.Branch.String()
	default:
		s += fmt.Sprintf(" -> %#x", l.Target)
	}
	if l.linked {
		if l.linkedTo != nil {
			s += fmt.Sprintf(" linked @%#x", l.linkedTo.Start)
		} else {
			s += " linked"
		}
	}
	return s
}
