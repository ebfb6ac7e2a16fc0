// Package kernel simulates the operating system services available to
// guest programs. A call never touches engine state: it returns a Result
// whose Action the engine carries out.
package kernel

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ascrivener/rio/pkg/appmem"
	"github.com/ascrivener/rio/pkg/ir"
)

// System call numbers, passed in r0. Arguments are in r1..r3 and the result
// is returned in r0.
const (
	SysExit        = 0 // exit the process with status r1
	SysWrite       = 1 // write r2 bytes at r1 to the output
	SysSpawn       = 2 // start a thread at r1 with r1 = r2
	SysYield       = 3
	SysFlushICache = 4 // discard translations of [r1, r1+r2)
	SysGetTID      = 5
	SysThreadExit  = 6 // exit the calling thread
	SysMunmap      = 7 // unmap the region starting at r1
	SysMprotect    = 8 // set the permissions of [r1, r1+r2) to r3

	numSyscalls = 9
)

// VectorSyscall is the interrupt vector that behaves like syscall.
const VectorSyscall = 0x80

var syscallNames = [numSyscalls]string{"exit", "write", "spawn", "yield", "flush_icache", "gettid", "thread_exit", "munmap", "mprotect"}

// Action tells the engine what to do after a call.
type Action int

const (
	ActionNone Action = iota
	ActionExitThread
	ActionExitProcess
	ActionSpawn
	ActionYield
	ActionFlush
	ActionFault
)

func (a Action) String() string {
	return [...]string{"none", "exit_thread", "exit_process", "spawn", "yield", "flush", "fault"}[a]
}

// Result is the outcome of a call.
type Result struct {
	// Ret is stored in r0 unless Action ends the thread.
	Ret    uint64
	Action Action
	Status int
	// Spawn arguments.
	PC, Arg uint64
	// Flush range.
	Addr, Len uint64
	Err       error
}

// Trap is raised by interrupts other than VectorSyscall.
type Trap struct {
	Vector uint8
}

func (t *Trap) Error() string { return fmt.Sprintf("trap %#x", t.Vector) }

// Kernel serves calls from every thread of one process.
type Kernel struct {
	mem *appmem.Memory

	outMu sync.Mutex
	out   io.Writer

	calls [numSyscalls]atomic.Uint64
}

func New(mem *appmem.Memory, out io.Writer) *Kernel {
	if out == nil {
		out = io.Discard
	}
	return &Kernel{mem: mem, out: out}
}

// Syscall performs the call described by regs for thread tid.
func (k *Kernel) Syscall(tid int, regs *[ir.NumRegs]uint64) Result {
	num := regs[ir.RegR0]
	if num >= numSyscalls {
		return Result{Ret: ^uint64(0)}
	}
	k.calls[num].Add(1)
	switch num {
	case SysExit:
		return Result{Action: ActionExitProcess, Status: int(int32(regs[ir.RegR1]))}
	case SysThreadExit:
		return Result{Action: ActionExitThread, Status: int(int32(regs[ir.RegR1]))}
	case SysWrite:
		return k.write(regs[ir.RegR1], regs[ir.RegR2])
	case SysSpawn:
		return Result{Action: ActionSpawn, PC: regs[ir.RegR1], Arg: regs[ir.RegR2]}
	case SysYield:
		return Result{Action: ActionYield}
	case SysFlushICache:
		return Result{Action: ActionFlush, Addr: regs[ir.RegR1], Len: regs[ir.RegR2]}
	case SysGetTID:
		return Result{Ret: uint64(tid)}
	case SysMunmap:
		return k.munmap(regs[ir.RegR1])
	case SysMprotect:
		return k.mprotect(regs[ir.RegR1], regs[ir.RegR2], regs[ir.RegR3])
	}
	return Result{Ret: ^uint64(0)}
}

func (k *Kernel) write(addr, n uint64) Result {
	if n > 1<<20 {
		return Result{Ret: ^uint64(0)}
	}
	buf := make([]byte, n)
	if err := k.mem.Read(addr, buf); err != nil {
		return Result{Ret: ^uint64(0)}
	}
	k.outMu.Lock()
	defer k.outMu.Unlock()
	if _, err := k.out.Write(buf); err != nil {
		return Result{Ret: ^uint64(0)}
	}
	return Result{Ret: n}
}

// munmap removes a whole region. Translations of code in it are flushed.
func (k *Kernel) munmap(base uint64) Result {
	r, ok := k.mem.RegionAt(base)
	if !ok || r.Base != base {
		return Result{Ret: ^uint64(0)}
	}
	code := k.holdsCode(r.Base, r.Size)
	if err := k.mem.Unmap(base); err != nil {
		return Result{Ret: ^uint64(0)}
	}
	if code {
		return Result{Action: ActionFlush, Addr: r.Base, Len: r.Size}
	}
	return Result{}
}

// mprotect changes page permissions. Translated code that loses execute
// permission or becomes writable is flushed.
func (k *Kernel) mprotect(base, n, bits uint64) Result {
	perm := appmem.Perm(bits)
	if base%appmem.PageSize != 0 || bits&^uint64(appmem.PermRWX) != 0 {
		return Result{Ret: ^uint64(0)}
	}
	code := (perm&appmem.PermExec == 0 || perm&appmem.PermWrite != 0) && k.holdsCode(base, n)
	if err := k.mem.Protect(base, n, perm); err != nil {
		return Result{Ret: ^uint64(0)}
	}
	if code {
		return Result{Action: ActionFlush, Addr: base, Len: n}
	}
	return Result{}
}

func (k *Kernel) holdsCode(base, n uint64) bool {
	for a := base &^ (appmem.PageSize - 1); a < base+n; a += appmem.PageSize {
		if k.mem.IsCode(a) {
			return true
		}
	}
	return false
}

// Interrupt performs int vector for thread tid.
func (k *Kernel) Interrupt(tid int, vector uint8, regs *[ir.NumRegs]uint64) Result {
	if vector == VectorSyscall {
		return k.Syscall(tid, regs)
	}
	return Result{Action: ActionFault, Err: &Trap{Vector: vector}}
}

// Calls returns the number of calls made per system call name.
func (k *Kernel) Calls() map[string]uint64 {
	out := make(map[string]uint64, numSyscalls)
	for i, name := range syscallNames {
		out[name] = k.calls[i].Load()
	}
	return out
}
