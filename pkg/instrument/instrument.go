// Package instrument is the client interface of the engine: clients
// register callbacks that may rewrite blocks and traces before they are
// emitted and that observe fragment deletion and state restoration.
package instrument

import (
	"sync"

	"github.com/ascrivener/rio/pkg/appmem"
	"github.com/ascrivener/rio/pkg/ir"
)

// EmitFlags are returned by block and trace hooks.
type EmitFlags uint32

const (
	EmitDefault EmitFlags = 0
	// EmitStoreTranslations asks the engine to keep the cache to application
	// pc table of the fragment instead of rebuilding it when needed.
	EmitStoreTranslations EmitFlags = 1
)

// EndTrace is the decision of an end-trace hook.
type EndTrace int

const (
	// EndTraceDefault leaves the decision to the engine.
	EndTraceDefault EndTrace = iota
	EndTraceContinue
	EndTraceEnd
)

// Context identifies the thread a hook runs on.
type Context struct {
	ThreadID int
	Mem      *appmem.Memory
}

// MachineContext is the application-visible register state of a thread.
type MachineContext struct {
	PC    uint64
	Regs  [ir.NumRegs]uint64
	Flags ir.Flags
}

type (
	BlockHook        func(ctx *Context, tag uint64, l *ir.InstrList, forTrace, translating bool) EmitFlags
	TraceHook        func(ctx *Context, tag uint64, l *ir.InstrList, translating bool) EmitFlags
	EndTraceHook     func(ctx *Context, traceTag, nextTag uint64) EndTrace
	DeleteHook       func(ctx *Context, tag uint64)
	RestoreStateHook func(ctx *Context, tag uint64, mc *MachineContext, restoreMemory, appCodeConsistent bool) bool
	ThreadHook       func(ctx *Context)
)

// Registry holds the registered hooks. Registration may happen at any time;
// hooks see a consistent snapshot per call.
type Registry struct {
	mu          sync.RWMutex
	blocks      []BlockHook
	traces      []TraceHook
	endTraces   []EndTraceHook
	deletes     []DeleteHook
	restores    []RestoreStateHook
	threadInits []ThreadHook
	threadExits []ThreadHook
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) OnBlockBuild(h BlockHook) {
	r.mu.Lock()
	r.blocks = append(r.blocks, h)
	r.mu.Unlock()
}

func (r *Registry) OnTraceBuild(h TraceHook) {
	r.mu.Lock()
	r.traces = append(r.traces, h)
	r.mu.Unlock()
}

func (r *Registry) OnEndTrace(h EndTraceHook) {
	r.mu.Lock()
	r.endTraces = append(r.endTraces, h)
	r.mu.Unlock()
}

func (r *Registry) OnFragmentDeleted(h DeleteHook) {
	r.mu.Lock()
	r.deletes = append(r.deletes, h)
	r.mu.Unlock()
}

func (r *Registry) OnRestoreState(h RestoreStateHook) {
	r.mu.Lock()
	r.restores = append(r.restores, h)
	r.mu.Unlock()
}

func (r *Registry) OnThreadInit(h ThreadHook) {
	r.mu.Lock()
	r.threadInits = append(r.threadInits, h)
	r.mu.Unlock()
}

func (r *Registry) OnThreadExit(h ThreadHook) {
	r.mu.Lock()
	r.threadExits = append(r.threadExits, h)
	r.mu.Unlock()
}

// HasBlockHooks reports whether blocks need full decoding for clients.
func (r *Registry) HasBlockHooks() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blocks) > 0 || len(r.traces) > 0
}

// BuildBlock runs the block hooks in registration order and merges their
// flags.
func (r *Registry) BuildBlock(ctx *Context, tag uint64, l *ir.InstrList, forTrace, translating bool) EmitFlags {
	if r == nil {
		return EmitDefault
	}
	r.mu.RLock()
	hooks := r.blocks
	r.mu.RUnlock()
	var flags EmitFlags
	for _, h := range hooks {
		flags |= h(ctx, tag, l, forTrace, translating)
	}
	return flags
}

func (r *Registry) BuildTrace(ctx *Context, tag uint64, l *ir.InstrList, translating bool) EmitFlags {
	if r == nil {
		return EmitDefault
	}
	r.mu.RLock()
	hooks := r.traces
	r.mu.RUnlock()
	var flags EmitFlags
	for _, h := range hooks {
		flags |= h(ctx, tag, l, translating)
	}
	return flags
}

// EndTrace returns the first decision other than EndTraceDefault.
func (r *Registry) EndTrace(ctx *Context, traceTag, nextTag uint64) EndTrace {
	if r == nil {
		return EndTraceDefault
	}
	r.mu.RLock()
	hooks := r.endTraces
	r.mu.RUnlock()
	for _, h := range hooks {
		if d := h(ctx, traceTag, nextTag); d != EndTraceDefault {
			return d
		}
	}
	return EndTraceDefault
}

func (r *Registry) FragmentDeleted(ctx *Context, tag uint64) {
	if r == nil {
		return
	}
	r.mu.RLock()
	hooks := r.deletes
	r.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, tag)
	}
}

// RestoreState runs every restore hook and reports whether all succeeded.
func (r *Registry) RestoreState(ctx *Context, tag uint64, mc *MachineContext, restoreMemory, appCodeConsistent bool) bool {
	if r == nil {
		return true
	}
	r.mu.RLock()
	hooks := r.restores
	r.mu.RUnlock()
	ok := true
	for _, h := range hooks {
		if !h(ctx, tag, mc, restoreMemory, appCodeConsistent) {
			ok = false
		}
	}
	return ok
}

func (r *Registry) ThreadInit(ctx *Context) {
	if r == nil {
		return
	}
	r.mu.RLock()
	hooks := r.threadInits
	r.mu.RUnlock()
	for _, h := range hooks {
		h(ctx)
	}
}

func (r *Registry) ThreadExit(ctx *Context) {
	if r == nil {
		return
	}
	r.mu.RLock()
	hooks := r.threadExits
	r.mu.RUnlock()
	for _, h := range hooks {
		h(ctx)
	}
}
