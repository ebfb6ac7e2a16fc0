package ir

import (
	"fmt"
	"iter"
)

const nilIdx int32 = -1

// InstrList is a doubly linked list of instructions kept in an index-based
// arena. Insertion and removal at any instruction are O(1). The list owns
// its instructions: an instruction belongs to at most one list.
type InstrList struct {
	nodes       []*Instr
	free        []int32
	first, last int32
	count       int

	// fallPC is the application pc reached when execution falls off
	// the end of the list.
	fallPC uint64
}

func NewInstrList() *InstrList {
	return &InstrList{first: nilIdx, last: nilIdx}
}

func (l *InstrList) at(i int32) *Instr {
	if i < 0 || int(i) >= len(l.nodes) {
		return nil
	}
	return l.nodes[i]
}

func (l *InstrList) Len() int { return l.count }

func (l *InstrList) First() *Instr { return l.at(l.first) }

func (l *InstrList) Last() *Instr { return l.at(l.last) }

// FirstApp returns the first non-meta instruction.
func (l *InstrList) FirstApp() *Instr {
	in := l.First()
	for in != nil && in.IsMeta() {
		in = in.Next()
	}
	return in
}

// LastApp returns the last non-meta instruction.
func (l *InstrList) LastApp() *Instr {
	in := l.Last()
	for in != nil && in.IsMeta() {
		in = in.Prev()
	}
	return in
}

func (l *InstrList) Fallthrough() uint64 { return l.fallPC }

func (l *InstrList) SetFallthrough(pc uint64) { l.fallPC = pc }

func (l *InstrList) adopt(in *Instr) int32 {
	if in.list != nil {
		panic(fmt.Sprintf("ir: %s is already in a list", in.opcode))
	}
	var idx int32
	if n := len(l.free); n > 0 {
		idx = l.free[n-1]
		l.free = l.free[:n-1]
		l.nodes[idx] = in
	} else {
		idx = int32(len(l.nodes))
		l.nodes = append(l.nodes, in)
	}
	in.list = l
	in.idx = idx
	l.count++
	return idx
}

// Append adds in at the end.
func (l *InstrList) Append(in *Instr) {
	idx := l.adopt(in)
	in.prev, in.next = l.last, nilIdx
	if l.last != nilIdx {
		l.nodes[l.last].next = idx
	} else {
		l.first = idx
	}
	l.last = idx
}

// Prepend adds in at the front.
func (l *InstrList) Prepend(in *Instr) {
	idx := l.adopt(in)
	in.prev, in.next = nilIdx, l.first
	if l.first != nilIdx {
		l.nodes[l.first].prev = idx
	} else {
		l.last = idx
	}
	l.first = idx
}

func (l *InstrList) checkMember(where *Instr) {
	if where.list != l {
		panic("ir: instruction is not in this list")
	}
}

// InsertBefore places in immediately before where.
func (l *InstrList) InsertBefore(where, in *Instr) {
	l.checkMember(where)
	if where.prev == nilIdx {
		l.Prepend(in)
		return
	}
	idx := l.adopt(in)
	in.prev, in.next = where.prev, where.idx
	l.nodes[where.prev].next = idx
	where.prev = idx
}

// InsertAfter places in immediately after where.
func (l *InstrList) InsertAfter(where, in *Instr) {
	l.checkMember(where)
	if where.next == nilIdx {
		l.Append(in)
		return
	}
	idx := l.adopt(in)
	in.prev, in.next = where.idx, where.next
	l.nodes[where.next].prev = idx
	where.next = idx
}

// Remove unlinks in from the list without destroying it.
func (l *InstrList) Remove(in *Instr) {
	l.checkMember(in)
	if in.prev != nilIdx {
		l.nodes[in.prev].next = in.next
	} else {
		l.first = in.next
	}
	if in.next != nilIdx {
		l.nodes[in.next].prev = in.prev
	} else {
		l.last = in.prev
	}
	l.nodes[in.idx] = nil
	l.free = append(l.free, in.idx)
	in.list = nil
	in.idx, in.prev, in.next = nilIdx, nilIdx, nilIdx
	l.count--
}

// Replace puts in where old was and returns old, detached.
func (l *InstrList) Replace(old, in *Instr) *Instr {
	l.InsertBefore(old, in)
	l.Remove(old)
	return old
}

// Clear removes every instruction.
func (l *InstrList) Clear() {
	for _, in := range l.nodes {
		if in != nil {
			in.list = nil
			in.idx, in.prev, in.next = nilIdx, nilIdx, nilIdx
		}
	}
	l.nodes = l.nodes[:0]
	l.free = l.free[:0]
	l.first, l.last = nilIdx, nilIdx
	l.count = 0
}

// Destroy clears the list and destroys every instruction it held.
func (l *InstrList) Destroy() {
	var all []*Instr
	for in := range l.All() {
		all = append(all, in)
	}
	l.Clear()
	for _, in := range all {
		in.Destroy()
	}
}

// All iterates in order. The current instruction may be removed during
// iteration.
func (l *InstrList) All() iter.Seq[*Instr] {
	return func(yield func(*Instr) bool) {
		for in := l.First(); in != nil; {
			next := in.Next()
			if !yield(in) {
				return
			}
			in = next
		}
	}
}

// Slice returns the instructions in order.
func (l *InstrList) Slice() []*Instr {
	out := make([]*Instr, 0, l.count)
	for in := range l.All() {
		out = append(out, in)
	}
	return out
}

// AppendList moves every instruction of other to the end of l.
func (l *InstrList) AppendList(other *InstrList) {
	for _, in := range other.Slice() {
		other.Remove(in)
		l.Append(in)
	}
}

// Clone deep-copies the list. InstrPC operands that point inside l are
// redirected to the copies.
func (l *InstrList) Clone() *InstrList {
	c := NewInstrList()
	c.fallPC = l.fallPC
	mapping := make(map[*Instr]*Instr, l.count)
	for in := range l.All() {
		cp := in.Clone()
		mapping[in] = cp
		c.Append(cp)
	}
	for cp := range c.All() {
		if cp.flags&flagOperandsValid == 0 {
			continue
		}
		for i, o := range cp.srcs {
			if (o.kind == KindInstrPC || o.kind == KindMemInstr) && mapping[o.instr] != nil {
				o.instr = mapping[o.instr]
				cp.srcs[i] = o
			}
		}
		for i, o := range cp.dsts {
			if o.kind == KindMemInstr && mapping[o.instr] != nil {
				o.instr = mapping[o.instr]
				cp.dsts[i] = o
			}
		}
	}
	return c
}
