package engine

import (
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ascrivener/rio/pkg/dlog"
	rerrors "github.com/ascrivener/rio/pkg/errors"
)

// synchState implements suspend-all: a requester asks every other running
// thread to park at its next safe point, runs an operation while they are
// parked and then releases them. Threads that are idle, inside a kernel
// call or exited count as parked.
type synchState struct {
	// req serializes requesters.
	req sync.Mutex

	mu        sync.Mutex
	cond      *sync.Cond
	active    bool
	requester *Thread

	requested atomic.Bool
}

func (s *synchState) init() { s.cond = sync.NewCond(&s.mu) }

// safePoint is called by a thread between fragments. It publishes the flush
// epoch the thread has observed and parks while a suspend-all is active.
func (t *Thread) safePoint() {
	e := t.e
	t.current.Store(nil)
	t.epoch.Store(e.epoch.Load())
	if e.synch.requested.Load() {
		t.park()
		t.epoch.Store(e.epoch.Load())
	}
}

// park blocks while another thread's suspend-all is active.
func (t *Thread) park() {
	s := &t.e.synch
	s.mu.Lock()
	prev := t.status
	for s.active && s.requester != t {
		t.status = statusParked
		s.cond.Broadcast()
		s.cond.Wait()
	}
	t.status = prev
	s.mu.Unlock()
}

// resume sets t's status once no suspend-all is active. It is used when a
// thread starts, leaves the kernel or otherwise begins running again.
func (t *Thread) resume(st threadStatus) {
	s := &t.e.synch
	s.mu.Lock()
	for s.active && s.requester != t {
		s.cond.Wait()
	}
	t.status = st
	s.cond.Broadcast()
	s.mu.Unlock()
}

// enterKernel marks t as not touching the cache until exitKernel.
func (t *Thread) enterKernel() {
	s := &t.e.synch
	t.current.Store(nil)
	s.mu.Lock()
	t.status = statusKernel
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (t *Thread) exitKernel() { t.resume(statusRunning) }

// finish marks t exited.
func (t *Thread) finish() {
	s := &t.e.synch
	t.current.Store(nil)
	t.done = true
	s.mu.Lock()
	t.status = statusExited
	s.cond.Broadcast()
	s.mu.Unlock()
	t.e.threadsMu.Lock()
	delete(t.e.threads, t.ID)
	t.e.threadsMu.Unlock()
}

// synchAll runs fn while every thread other than t is parked. t may be nil
// for callers outside any application thread. t must not hold any ranked
// lock.
func (e *Engine) synchAll(t *Thread, fn func() error) error {
	s := &e.synch
	if t != nil && t.held.Depth() > 0 {
		return rerrors.Assertf("thread %d requests suspend-all while holding %d locks", t.ID, t.held.Depth())
	}
	if t == nil {
		s.req.Lock()
	} else {
		// Another requester may be waiting for t to park.
		for !s.req.TryLock() {
			t.park()
			runtime.Gosched()
		}
	}
	defer s.req.Unlock()

	s.mu.Lock()
	s.active = true
	s.requester = t
	s.requested.Store(true)
	for !e.othersParked(t) {
		s.cond.Wait()
	}
	s.mu.Unlock()
	e.stats.SynchAlls.Inc()
	e.log.Log(dlog.Synch, 2, "all threads parked", zap.Int("requester", threadID(t)))

	err := fn()

	s.mu.Lock()
	s.active = false
	s.requester = nil
	s.requested.Store(false)
	s.cond.Broadcast()
	s.mu.Unlock()
	return err
}

// othersParked requires the synch mutex.
func (e *Engine) othersParked(t *Thread) bool {
	for _, o := range e.threadList() {
		if o != t && o.status == statusRunning {
			return false
		}
	}
	return true
}

func threadID(t *Thread) int {
	if t == nil {
		return 0
	}
	return t.ID
}
