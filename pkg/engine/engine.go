// Package engine runs application code out of a code cache. A dispatcher
// per application thread looks up the fragment for the next application pc,
// builds and emits it on a miss, and executes it in the cache. Fragments are
// linked to each other so that execution stays in the cache, indirect
// branches are resolved by lookup stubs in the cache, and hot paths are
// turned into traces. Flushes and eviction remove fragments while other
// threads keep running.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ascrivener/rio/pkg/appmem"
	"github.com/ascrivener/rio/pkg/config"
	"github.com/ascrivener/rio/pkg/dlog"
	rerrors "github.com/ascrivener/rio/pkg/errors"
	"github.com/ascrivener/rio/pkg/fcache"
	"github.com/ascrivener/rio/pkg/fragment"
	"github.com/ascrivener/rio/pkg/instrument"
	"github.com/ascrivener/rio/pkg/ir"
	"github.com/ascrivener/rio/pkg/kernel"
	"github.com/ascrivener/rio/pkg/pcache"
	"github.com/ascrivener/rio/pkg/policy"
	"github.com/ascrivener/rio/pkg/stats"
)

// ReturnToEngine is the return address pushed on every new thread's stack:
// a thread that returns from its entry function exits, and the main thread
// exits the process with status r0.
const ReturnToEngine = 0

// cacheBase is the cache address of set i. Sets are far apart so that their
// units never collide.
func cacheBase(i int) uint64 { return uint64(i+1) << 40 }

// cacheSet is one fragment table with everything indexed with it: the
// region index, the IBL tables and the code cache holding the fragments.
// The engine has one shared set, plus one per thread in private mode.
type cacheSet struct {
	name    string
	owner   int
	regions *fragment.RegionIndex
	table   *fragment.Table
	cache   *fcache.Cache
	ibl     [ir.BranchTypeCount]*fragment.IBLTable
}

func newCacheSet(name string, owner, index int, opts *config.Options) (*cacheSet, error) {
	c, err := fcache.New(name, cacheBase(index), opts.CacheUnitSize, opts.CacheMaxSize)
	if err != nil {
		return nil, err
	}
	s := &cacheSet{
		name:    name,
		owner:   owner,
		regions: fragment.NewRegionIndex(name),
		table:   fragment.NewTable(name),
		cache:   c,
	}
	for b := ir.BranchType(0); b < ir.BranchTypeCount; b++ {
		s.ibl[b] = fragment.NewIBLTable(name, b, opts.IBLTableBits, opts.IBLHashOffset)
	}
	return s, nil
}

// Engine executes one application address space.
type Engine struct {
	id     string
	opts   config.Options
	mem    *appmem.Memory
	kern   *kernel.Kernel
	hooks  *instrument.Registry
	policy policy.Checker
	log    *dlog.Logger
	ownLog bool
	stats  *stats.Stats
	pstore *pcache.Store
	out    io.Writer

	shared *cacheSet

	setsMu sync.Mutex
	sets   []*cacheSet

	threadsMu sync.Mutex
	threads   map[int]*Thread
	nextTID   int

	synch synchState

	epoch     atomic.Uint64
	pendingMu sync.Mutex
	pending   []pendingFree

	running atomic.Bool
	halt    atomic.Bool
	group   *errgroup.Group

	didExit    atomic.Bool
	exitStatus atomic.Int64
	closed     atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithHooks installs the client hook registry.
func WithHooks(r *instrument.Registry) Option { return func(e *Engine) { e.hooks = r } }

// WithPolicy replaces the default region-based execution policy.
func WithPolicy(p policy.Checker) Option { return func(e *Engine) { e.policy = p } }

// WithLogger replaces the logger built from the log options.
func WithLogger(l *dlog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithOutput sets where the application's write system call goes.
func WithOutput(w io.Writer) Option { return func(e *Engine) { e.out = w } }

// New creates an engine for mem.
func New(mem *appmem.Memory, opts config.Options, options ...Option) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	e := &Engine{
		id:      uuid.NewString(),
		opts:    opts,
		mem:     mem,
		threads: make(map[int]*Thread),
		nextTID: 1,
	}
	for _, o := range options {
		o(e)
	}
	if e.log == nil {
		mask, err := dlog.ParseMask(opts.LogMask)
		if err != nil {
			return nil, err
		}
		if mask == dlog.None {
			e.log = dlog.Nop()
		} else {
			e.log = dlog.New(os.Stderr, mask, opts.LogLevel)
			e.ownLog = true
		}
	}
	e.log = e.log.With(zap.String("engine", e.id[:8]))
	if e.policy == nil {
		e.policy = policy.NewRegionPolicy(mem, opts.ExecuteHeap)
	}
	e.kern = kernel.New(mem, e.out)
	e.stats = stats.New(e.id)
	e.synch.init()

	shared, err := e.addSet("shared", -1)
	if err != nil {
		return nil, err
	}
	e.shared = shared
	e.registerMetrics()

	if opts.PersistDir != "" {
		e.pstore, err = pcache.Open(opts.PersistDir)
		if err != nil {
			return nil, err
		}
	}
	e.log.Log(dlog.Stats, 1, "engine created", zap.Stringer("options", opts))
	return e, nil
}

func (e *Engine) addSet(name string, owner int) (*cacheSet, error) {
	e.setsMu.Lock()
	defer e.setsMu.Unlock()
	s, err := newCacheSet(name, owner, len(e.sets), &e.opts)
	if err != nil {
		return nil, err
	}
	e.sets = append(e.sets, s)
	return s, nil
}

func (e *Engine) allSets() []*cacheSet {
	e.setsMu.Lock()
	defer e.setsMu.Unlock()
	return append([]*cacheSet(nil), e.sets...)
}

func (e *Engine) cacheStats() fcache.Stats {
	var total fcache.Stats
	for _, s := range e.allSets() {
		st := s.cache.Stats()
		total.Units += st.Units
		total.Capacity += st.Capacity
		total.Used += st.Used
		total.Allocs += st.Allocs
		total.Frees += st.Frees
		total.Fragments += st.Fragments
	}
	return total
}

func (e *Engine) allFragments() []*fragment.Fragment {
	var out []*fragment.Fragment
	for _, s := range e.allSets() {
		s.table.Lock().RLock(nil)
		out = append(out, s.table.Snapshot()...)
		s.table.Lock().RUnlock(nil)
	}
	return out
}

// ID identifies the engine in logs and metric labels.
func (e *Engine) ID() string { return e.id }

// Options returns the validated options the engine runs with.
func (e *Engine) Options() config.Options { return e.opts }

// Memory returns the application address space.
func (e *Engine) Memory() *appmem.Memory { return e.mem }

// Kernel returns the simulated kernel serving the application's calls.
func (e *Engine) Kernel() *kernel.Kernel { return e.kern }

// Stats returns the engine's metrics.
func (e *Engine) Stats() *stats.Stats { return e.stats }

// Hooks returns the client hook registry.
func (e *Engine) Hooks() *instrument.Registry { return e.hooks }

// Logger returns the diagnostic logger.
func (e *Engine) Logger() *dlog.Logger { return e.log }

// CacheStats sums the allocator usage of every cache set.
func (e *Engine) CacheStats() fcache.Stats { return e.cacheStats() }

// ExitStatus returns the status the process exited with, 0 until it has.
func (e *Engine) ExitStatus() int { return int(e.exitStatus.Load()) }

// Fragments returns every fragment registered in any cache set.
func (e *Engine) Fragments() []*fragment.Fragment { return e.allFragments() }

func (e *Engine) halted() bool        { return e.halt.Load() }
func (e *Engine) tracesEnabled() bool { return e.opts.TracesEnabled() }

// Code returns a copy of f's bytes in the code cache, stubs included.
func (e *Engine) Code(f *fragment.Fragment) []byte {
	set := e.setOf(f)
	if set == nil {
		return nil
	}
	return append([]byte(nil), set.cache.Bytes(f.Start, f.Size)...)
}

// Lookup returns the fragment t would execute for tag, or nil.
func (e *Engine) Lookup(t *Thread, tag uint64) *fragment.Fragment {
	return t.set.table.Find(t.held, tag)
}

// Run executes the application from entry until the process exits, every
// thread has exited, ctx is cancelled or a thread fails. It returns the
// process exit status.
func (e *Engine) Run(ctx context.Context, entry uint64) (int, error) {
	return e.run(ctx, entry, false)
}

// RunNative interprets the application directly from its memory without
// building fragments. It is the reference the cache must agree with.
func (e *Engine) RunNative(ctx context.Context, entry uint64) (int, error) {
	return e.run(ctx, entry, true)
}

func (e *Engine) run(ctx context.Context, entry uint64, native bool) (int, error) {
	if e.closed.Load() {
		return 0, rerrors.Errorf("run", entry, "engine closed")
	}
	if !e.running.CompareAndSwap(false, true) {
		return 0, ErrRunning
	}
	defer e.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	e.group = g
	e.halt.Store(false)
	stop := context.AfterFunc(gctx, func() { e.halt.Store(true) })
	defer stop()

	main, err := e.NewThread(entry)
	if err != nil {
		return 0, err
	}
	main.main = true
	main.native = native
	if !native && e.pstore != nil {
		if n, err := e.prewarm(main); err != nil {
			e.log.Warn("persisted cache prewarm failed", zap.Error(err))
		} else if n > 0 {
			e.log.Log(dlog.Cache, 1, "prewarmed blocks", zap.Int("count", n))
		}
	}
	e.start(main)
	err = g.Wait()
	if err == nil && !e.exited() && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		e.log.Error("run failed", zap.Error(err))
	}
	return e.ExitStatus(), err
}

func (e *Engine) start(t *Thread) {
	e.group.Go(t.run)
}

// spawn starts a thread at pc with r1 = arg and returns its id.
func (e *Engine) spawn(parent *Thread, pc, arg uint64) (int, error) {
	t, err := e.NewThread(pc)
	if err != nil {
		return 0, err
	}
	t.Regs[ir.RegR1] = arg
	t.native = parent.native
	e.log.Log(dlog.Threads, 1, "spawn", zap.Int("parent", parent.ID), zap.Int("thread", t.ID), dlog.Hex("pc", pc))
	e.start(t)
	return t.ID, nil
}

// exitProcess records the first exit status and stops every thread.
func (e *Engine) exitProcess(status int) {
	if !e.didExit.CompareAndSwap(false, true) {
		return
	}
	e.exitStatus.Store(int64(status))
	e.halt.Store(true)
	e.log.Log(dlog.Threads, 1, "process exit", zap.Int("status", status))
}

func (e *Engine) exited() bool { return e.didExit.Load() }

// Close persists hot blocks when a persisted cache is configured, reclaims
// pending frees and releases the code caches.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if e.pstore != nil {
		n, err := e.persist()
		keep(err)
		e.log.Log(dlog.Cache, 1, "persisted blocks", zap.Int("count", n))
		keep(e.pstore.Close())
	}
	keep(e.reclaim(nil, true))
	for _, s := range e.allSets() {
		keep(s.cache.Close())
	}
	if e.ownLog {
		keep(e.log.Close())
	}
	return first
}
