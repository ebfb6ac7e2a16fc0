package engine

import (
	"encoding/binary"
	"math/bits"

	"github.com/ascrivener/rio/pkg/appmem"
	rerrors "github.com/ascrivener/rio/pkg/errors"
	"github.com/ascrivener/rio/pkg/fcache"
	"github.com/ascrivener/rio/pkg/fragment"
	"github.com/ascrivener/rio/pkg/ir"
)

// stopReason tells the dispatcher why the executor returned.
type stopReason uint8

const (
	stopNone stopReason = iota
	// stopExit: an exit stub was reached, or native code returned to
	// ReturnToEngine.
	stopExit
	// stopEnter: entering another fragment failed its checks or the engine
	// is halting. res.tag is the application pc to continue at.
	stopEnter
	// stopBoundary: the executor was asked to stop before any fragment
	// entry. res.tag is the application pc to continue at.
	stopBoundary
	stopFault
	// stopSelfMod: the instruction at res.pc completed and wrote
	// [res.wlo, res.whi) on a page holding translated code.
	stopSelfMod
	// stopSyscall: native mode reached syscall or int.
	stopSyscall
	// stopHalt: native mode saw the engine halting.
	stopHalt
)

func (s stopReason) String() string {
	return [...]string{"none", "exit", "enter", "boundary", "fault", "selfmod", "syscall", "halt"}[s]
}

type runResult struct {
	stop stopReason
	// pc is the instruction that stopped and next the one after it.
	pc, next uint64
	// frag is the fragment executing when the executor stopped.
	frag *fragment.Fragment
	exit *fragment.Linkstub
	tag  uint64
	err  error

	wlo, whi uint64
	vector   uint8
	op       ir.Opcode
}

// cpu executes guest instructions for one thread, either from application
// memory (native) or from a code cache.
type cpu struct {
	t     *Thread
	mem   *appmem.Memory
	cache *fcache.Cache
	frag  *fragment.Fragment

	stopAtBoundary bool
	branches       uint64

	res runResult
	buf [ir.MaxInstrLength]byte
}

// handler executes the instruction b located at pc and returns the pc to
// continue at.
type handler func(c *cpu, b []byte, pc uint64) (uint64, stopReason)

var handlers [256]handler

func init() {
	set := func(h handler, ops ...ir.Opcode) {
		for _, op := range ops {
			handlers[op.Byte()] = h
		}
	}
	set(handleNop, ir.OpNop)
	set(handleMov, ir.OpMov)
	set(handleMovImm, ir.OpMovImm)
	set(handleMovAbs, ir.OpMovAbs)
	set(handleLoad, ir.OpLdq, ir.OpLdb, ir.OpLea)
	set(handleStore, ir.OpStq, ir.OpStb)
	set(handleArith, ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpMul, ir.OpCmp)
	set(handleArithImm, ir.OpAddImm, ir.OpSubImm, ir.OpCmpImm)
	set(handleShift, ir.OpShl, ir.OpShr)
	set(handleAddm, ir.OpAddm)
	set(handlePush, ir.OpPush)
	set(handlePop, ir.OpPop)
	set(handlePushImm, ir.OpPushImm)
	set(handleJmp, ir.OpJmp)
	set(handleJcc, ir.OpJe, ir.OpJne, ir.OpJl, ir.OpJge, ir.OpJb, ir.OpJae)
	set(handleCall, ir.OpCall)
	set(handleJmpInd, ir.OpJmpInd)
	set(handleCallInd, ir.OpCallInd)
	set(handleRet, ir.OpRet)
	set(handleSyscall, ir.OpSyscall)
	set(handleInt, ir.OpInt)
	set(handleExit, ir.OpExit)
	set(handleIBL, ir.OpIBL)
	set(handleSetT, ir.OpSetT)
	set(handlePopT, ir.OpPopT)
	set(handleJnt, ir.OpJnt)
}

func newNativeCPU(t *Thread) *cpu {
	return &cpu{t: t, mem: t.e.mem}
}

func newCacheCPU(t *Thread) *cpu {
	return &cpu{t: t, mem: t.e.mem, cache: t.set.cache}
}

// run executes from pc until a stop. In cache mode pc is a fragment entry
// and c.frag the fragment entered there.
func (c *cpu) run(pc uint64) runResult {
	c.res = runResult{}
	for {
		var next uint64
		var stop stopReason
		b, err := c.fetch(pc)
		if err != nil {
			next, stop = c.fault(pc, err)
		} else {
			next, stop = handlers[b[0]](c, b, pc)
		}
		if stop != stopNone {
			c.res.stop = stop
			c.res.pc = pc
			c.res.next = next
			c.res.frag = c.frag
			if b != nil {
				c.res.op = ir.OpcodeForByte(b[0])
			}
			return c.res
		}
		pc = next
	}
}

func (c *cpu) fetch(pc uint64) ([]byte, error) {
	if c.cache != nil {
		w := c.cache.Window(pc)
		if len(w) == 0 {
			return nil, rerrors.Assertf("cache pc %#x outside cache %s", pc, c.cache.Name())
		}
		op := ir.OpcodeForByte(w[0])
		if op == ir.OpInvalid || len(w) < op.Length() {
			return nil, rerrors.Assertf("bad cache instruction at %#x", pc)
		}
		return w[:op.Length()], nil
	}
	if c.mem.FetchCode(pc, c.buf[:1]) != 1 {
		return nil, rerrors.Wrap(ir.ErrNotExecutable, "fetch", pc)
	}
	op := ir.OpcodeForByte(c.buf[0])
	switch {
	case op == ir.OpInvalid:
		return nil, rerrors.Wrap(ir.ErrDecode, "fetch", pc)
	case op.IsCacheOnly():
		return nil, rerrors.Wrap(ir.ErrCacheOnly, "fetch", pc)
	}
	n := op.Length()
	if c.mem.FetchCode(pc, c.buf[:n]) != n {
		return nil, rerrors.Wrap(ir.ErrTruncated, "fetch", pc)
	}
	return c.buf[:n], nil
}

func (c *cpu) fault(pc uint64, err error) (uint64, stopReason) {
	c.res.err = err
	return pc, stopFault
}

// wrote turns a store that hit translated code into a stop.
func (c *cpu) wrote(hit bool, addr uint64, n int) stopReason {
	if !hit || c.cache == nil {
		return stopNone
	}
	c.res.wlo, c.res.whi = addr, addr+uint64(n)
	return stopSelfMod
}

// rel32 reads the displacement at offset off of b. Exit branches are
// patched while other threads run them, so aligned fields in the cache
// are read atomically.
func (c *cpu) rel32(b []byte, pc uint64, off int) int64 {
	field := pc + uint64(off)
	if c.cache != nil && field%4 == 0 {
		return int64(c.cache.LoadRel32(field))
	}
	return int64(int32(binary.LittleEndian.Uint32(b[off:])))
}

// branch transfers control to dest. In cache mode a destination outside
// the current fragment, or its entry, is a fragment entry.
func (c *cpu) branch(from, dest uint64) (uint64, stopReason) {
	if c.cache == nil {
		if dest == ReturnToEngine {
			return dest, stopExit
		}
		c.branches++
		if c.branches%1024 == 0 {
			c.t.safePoint()
			if c.t.e.halted() {
				return dest, stopHalt
			}
		}
		return dest, stopNone
	}
	x := c.frag.ExitAt(from)
	if c.frag.Contains(dest) && (dest != c.frag.Start || x == nil) {
		// Branches inside the fragment, meta loops back to its first
		// instruction included.
		return dest, stopNone
	}
	var tag uint64
	if x != nil {
		tag = x.Target
	}
	return c.enter(dest, tag)
}

// enter checks that the fragment at dest may run as tag. The thread
// publishes it as current before checking that it is live, and flushes
// change the state before checking current, so a fragment being freed is
// never entered.
func (c *cpu) enter(dest, tag uint64) (uint64, stopReason) {
	c.res.tag = tag
	if c.stopAtBoundary {
		return dest, stopBoundary
	}
	t := c.t
	t.safePoint()
	if t.e.halted() {
		return dest, stopEnter
	}
	f, _ := c.cache.Owner(dest).(*fragment.Fragment)
	if f == nil {
		return dest, stopEnter
	}
	t.current.Store(f)
	if !f.IsLive() || f.Tag != tag || (f.Has(fragment.FlagTraceHead) && !f.IsTrace()) {
		t.current.Store(nil)
		return dest, stopEnter
	}
	c.frag = f
	return dest, stopNone
}

func (c *cpu) reg(b byte) (ir.Reg, error) {
	if b>>4 != 0 {
		return 0, ir.ErrDecode
	}
	return ir.Reg(b), nil
}

func (c *cpu) setZS(v uint64) ir.Flags {
	var f ir.Flags
	if v == 0 {
		f |= ir.FlagZF
	}
	if int64(v) < 0 {
		f |= ir.FlagSF
	}
	return f
}

func (c *cpu) add(a, b uint64) uint64 {
	s, carry := bits.Add64(a, b, 0)
	f := c.setZS(s)
	if carry != 0 {
		f |= ir.FlagCF
	}
	if (a^s)&(b^s)>>63 != 0 {
		f |= ir.FlagOF
	}
	c.t.Flags = f
	return s
}

func (c *cpu) sub(a, b uint64) uint64 {
	d, borrow := bits.Sub64(a, b, 0)
	f := c.setZS(d)
	if borrow != 0 {
		f |= ir.FlagCF
	}
	if (a^b)&(a^d)>>63 != 0 {
		f |= ir.FlagOF
	}
	c.t.Flags = f
	return d
}

func (c *cpu) logic(v uint64) uint64 {
	c.t.Flags = c.setZS(v)
	return v
}

func (c *cpu) taken(op ir.Opcode) bool {
	f := c.t.Flags
	sf, of := f&ir.FlagSF != 0, f&ir.FlagOF != 0
	switch op {
	case ir.OpJe:
		return f&ir.FlagZF != 0
	case ir.OpJne:
		return f&ir.FlagZF == 0
	case ir.OpJl:
		return sf != of
	case ir.OpJge:
		return sf == of
	case ir.OpJb:
		return f&ir.FlagCF != 0
	case ir.OpJae:
		return f&ir.FlagCF == 0
	}
	return false
}

func (c *cpu) push(v uint64) (stopReason, bool) {
	sp := c.t.Regs[ir.RegSP] - 8
	hit, err := c.mem.WriteU64(sp, v)
	if err != nil {
		c.res.err = err
		return stopFault, false
	}
	c.t.Regs[ir.RegSP] = sp
	return c.wrote(hit, sp, 8), true
}

func (c *cpu) pop() (uint64, error) {
	v, err := c.mem.ReadU64(c.t.Regs[ir.RegSP])
	if err != nil {
		return 0, err
	}
	c.t.Regs[ir.RegSP] += 8
	return v, nil
}

func after(b []byte, pc uint64) uint64 { return pc + uint64(len(b)) }

func imm32(b []byte) uint64 { return uint64(int64(int32(binary.LittleEndian.Uint32(b)))) }

func handleNop(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	return after(b, pc), stopNone
}

func handleMov(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	c.t.Regs[b[1]>>4] = c.t.Regs[b[1]&0xF]
	return after(b, pc), stopNone
}

func handleMovImm(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	r, err := c.reg(b[1])
	if err != nil {
		return c.fault(pc, err)
	}
	c.t.Regs[r] = imm32(b[2:])
	return after(b, pc), stopNone
}

func handleMovAbs(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	r, err := c.reg(b[1])
	if err != nil {
		return c.fault(pc, err)
	}
	c.t.Regs[r] = binary.LittleEndian.Uint64(b[2:])
	return after(b, pc), stopNone
}

func memAddr(c *cpu, b []byte) (ir.Reg, uint64) {
	r, base := ir.Reg(b[1]>>4), ir.Reg(b[1]&0xF)
	return r, c.t.Regs[base] + imm32(b[2:])
}

func handleLoad(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	r, addr := memAddr(c, b)
	switch ir.OpcodeForByte(b[0]) {
	case ir.OpLea:
		c.t.Regs[r] = addr
	case ir.OpLdb:
		v, err := c.mem.ReadU8(addr)
		if err != nil {
			return c.fault(pc, err)
		}
		c.t.Regs[r] = uint64(v)
	default:
		v, err := c.mem.ReadU64(addr)
		if err != nil {
			return c.fault(pc, err)
		}
		c.t.Regs[r] = v
	}
	return after(b, pc), stopNone
}

func handleStore(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	r, addr := memAddr(c, b)
	var hit bool
	var err error
	n := 8
	if ir.OpcodeForByte(b[0]) == ir.OpStb {
		n = 1
		hit, err = c.mem.WriteU8(addr, uint8(c.t.Regs[r]))
	} else {
		hit, err = c.mem.WriteU64(addr, c.t.Regs[r])
	}
	if err != nil {
		return c.fault(pc, err)
	}
	return after(b, pc), c.wrote(hit, addr, n)
}

func handleArith(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	d, s := b[1]>>4, b[1]&0xF
	x, y := c.t.Regs[d], c.t.Regs[s]
	switch ir.OpcodeForByte(b[0]) {
	case ir.OpAdd:
		c.t.Regs[d] = c.add(x, y)
	case ir.OpSub:
		c.t.Regs[d] = c.sub(x, y)
	case ir.OpCmp:
		c.sub(x, y)
	case ir.OpAnd:
		c.t.Regs[d] = c.logic(x & y)
	case ir.OpOr:
		c.t.Regs[d] = c.logic(x | y)
	case ir.OpXor:
		c.t.Regs[d] = c.logic(x ^ y)
	case ir.OpMul:
		hi, lo := bits.Mul64(x, y)
		f := c.setZS(lo)
		if hi != 0 {
			f |= ir.FlagCF | ir.FlagOF
		}
		c.t.Flags = f
		c.t.Regs[d] = lo
	}
	return after(b, pc), stopNone
}

func handleArithImm(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	r, err := c.reg(b[1])
	if err != nil {
		return c.fault(pc, err)
	}
	imm := imm32(b[2:])
	switch ir.OpcodeForByte(b[0]) {
	case ir.OpAddImm:
		c.t.Regs[r] = c.add(c.t.Regs[r], imm)
	case ir.OpSubImm:
		c.t.Regs[r] = c.sub(c.t.Regs[r], imm)
	case ir.OpCmpImm:
		c.sub(c.t.Regs[r], imm)
	}
	return after(b, pc), stopNone
}

func handleShift(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	r, err := c.reg(b[1])
	if err != nil {
		return c.fault(pc, err)
	}
	n := b[2]
	v := c.t.Regs[r]
	if ir.OpcodeForByte(b[0]) == ir.OpShl {
		v <<= n
	} else {
		v >>= n
	}
	c.t.Regs[r] = v
	c.t.Flags = c.t.Flags&^(ir.FlagZF|ir.FlagSF) | c.setZS(v)
	return after(b, pc), stopNone
}

func handleAddm(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	addr := binary.LittleEndian.Uint64(b[1:])
	hit, err := c.mem.AddU64(addr, int64(int32(binary.LittleEndian.Uint32(b[9:]))))
	if err != nil {
		return c.fault(pc, err)
	}
	return after(b, pc), c.wrote(hit, addr, 8)
}

func handlePush(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	r, err := c.reg(b[1])
	if err != nil {
		return c.fault(pc, err)
	}
	stop, _ := c.push(c.t.Regs[r])
	if stop == stopFault {
		return pc, stop
	}
	return after(b, pc), stop
}

func handlePop(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	r, err := c.reg(b[1])
	if err != nil {
		return c.fault(pc, err)
	}
	v, err := c.pop()
	if err != nil {
		return c.fault(pc, err)
	}
	c.t.Regs[r] = v
	return after(b, pc), stopNone
}

func handlePushImm(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	stop, _ := c.push(imm32(b[1:]))
	if stop == stopFault {
		return pc, stop
	}
	return after(b, pc), stop
}

func handleJmp(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	n := after(b, pc)
	return c.branch(pc, uint64(int64(n)+c.rel32(b, pc, 1)))
}

func handleJcc(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	n := after(b, pc)
	if !c.taken(ir.OpcodeForByte(b[0])) {
		return n, stopNone
	}
	return c.branch(pc, uint64(int64(n)+c.rel32(b, pc, 1)))
}

// call pushes the return address and branches. A call whose push writes
// translated code completes before stopping.
func (c *cpu) call(pc, ret, dest uint64) (uint64, stopReason) {
	stop, ok := c.push(ret)
	if !ok {
		return pc, stop
	}
	if stop == stopSelfMod {
		return dest, stop
	}
	return c.branch(pc, dest)
}

func handleCall(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	n := after(b, pc)
	return c.call(pc, n, uint64(int64(n)+c.rel32(b, pc, 1)))
}

// Indirect transfers, system calls and interrupts never reach the cache:
// they are mangled into exits.
func (c *cpu) native(pc uint64, op ir.Opcode) (uint64, stopReason, bool) {
	if c.cache == nil {
		return 0, stopNone, true
	}
	n, stop := c.fault(pc, rerrors.Assertf("%s executed in the code cache at %#x", op, pc))
	return n, stop, false
}

func handleJmpInd(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	if n, stop, ok := c.native(pc, ir.OpJmpInd); !ok {
		return n, stop
	}
	r, err := c.reg(b[1])
	if err != nil {
		return c.fault(pc, err)
	}
	return c.branch(pc, c.t.Regs[r])
}

func handleCallInd(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	if n, stop, ok := c.native(pc, ir.OpCallInd); !ok {
		return n, stop
	}
	r, err := c.reg(b[1])
	if err != nil {
		return c.fault(pc, err)
	}
	return c.call(pc, after(b, pc), c.t.Regs[r])
}

func handleRet(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	if n, stop, ok := c.native(pc, ir.OpRet); !ok {
		return n, stop
	}
	v, err := c.pop()
	if err != nil {
		return c.fault(pc, err)
	}
	return c.branch(pc, v)
}

func handleSyscall(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	if n, stop, ok := c.native(pc, ir.OpSyscall); !ok {
		return n, stop
	}
	return after(b, pc), stopSyscall
}

func handleInt(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	if n, stop, ok := c.native(pc, ir.OpInt); !ok {
		return n, stop
	}
	c.res.vector = b[1]
	return after(b, pc), stopSyscall
}

func handleExit(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	ord := binary.LittleEndian.Uint16(b[1:])
	if int(ord) >= len(c.frag.Exits) {
		return c.fault(pc, rerrors.Assertf("%s has no exit %d", c.frag, ord))
	}
	c.res.exit = c.frag.Exits[ord]
	return pc, stopExit
}

// handleIBL looks the target slot up in the table of the stub's branch
// type and enters the fragment found, or falls through to the exit.
func handleIBL(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	kind := ir.BranchType(b[1])
	if kind >= ir.BranchTypeCount {
		return c.fault(pc, rerrors.Assertf("bad lookup kind %d at %#x", kind, pc))
	}
	if dest, ok := c.t.set.ibl[kind].Lookup(c.t.target); ok {
		return c.enter(dest, c.t.target)
	}
	return after(b, pc), stopNone
}

func handleSetT(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	c.t.target = c.t.Regs[b[1]&0xF]
	return after(b, pc), stopNone
}

func handlePopT(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	v, err := c.pop()
	if err != nil {
		return c.fault(pc, err)
	}
	c.t.target = v
	return after(b, pc), stopNone
}

func handleJnt(c *cpu, b []byte, pc uint64) (uint64, stopReason) {
	n := after(b, pc)
	if c.t.target == uint64(binary.LittleEndian.Uint32(b[1:])) {
		return n, stopNone
	}
	return c.branch(pc, uint64(int64(n)+c.rel32(b, pc, 5)))
}
