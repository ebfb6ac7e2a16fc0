package engine

import (
	"fmt"

	rerrors "github.com/ascrivener/rio/pkg/errors"
)

var (
	// ErrExecutionDenied is returned when the policy forbids running code at
	// a tag.
	ErrExecutionDenied = rerrors.New("execution denied by policy")
	// ErrBlockTooLarge aborts a block whose encoded body exceeds the
	// configured maximum.
	ErrBlockTooLarge = rerrors.New("fragment body exceeds maximum size")
	// ErrRunning is returned by Run while another Run is in progress.
	ErrRunning = rerrors.New("engine already running")
	// ErrTooManyThreads is returned when spawning past the thread limit.
	ErrTooManyThreads = rerrors.New("thread limit reached")
	// ErrNoTranslation is returned when a cache pc cannot be mapped back to
	// the application.
	ErrNoTranslation = rerrors.New("no translation for cache pc")

	// errCodeChanged means the application bytes changed while a block was
	// being built. The build is retried.
	errCodeChanged = rerrors.New("application code changed during build")
)

// TranslationFault reports that the code at a tag could not be decoded:
// unmapped, non-executable or invalid bytes.
type TranslationFault struct {
	Tag   uint64
	PC    uint64
	Cause error
}

func (e *TranslationFault) Error() string {
	return fmt.Sprintf("cannot translate block %#x: decode at %#x: %v", e.Tag, e.PC, e.Cause)
}

func (e *TranslationFault) Unwrap() error { return e.Cause }

// HookViolationError reports a block rejected because instrumentation broke
// a block construction rule.
type HookViolationError struct {
	Tag    uint64
	Reason string
}

func (e *HookViolationError) Error() string {
	return fmt.Sprintf("instrumentation of block %#x: %s", e.Tag, e.Reason)
}

func violation(tag uint64, format string, args ...any) *HookViolationError {
	return &HookViolationError{Tag: tag, Reason: fmt.Sprintf(format, args...)}
}

// CacheExhaustedError is fatal: eviction could not free room for a new
// fragment.
type CacheExhaustedError struct {
	Cache string
	Size  int
	Cause error
}

func (e *CacheExhaustedError) Error() string {
	return fmt.Sprintf("code cache %s exhausted allocating %d bytes: %v", e.Cache, e.Size, e.Cause)
}

func (e *CacheExhaustedError) Unwrap() error { return e.Cause }

// AppFault is a fault raised by the application itself, reported at the
// application pc it happened at.
type AppFault struct {
	ThreadID int
	PC       uint64
	// CachePC is zero for faults raised outside the code cache.
	CachePC uint64
	Cause   error
}

func (e *AppFault) Error() string {
	if e.CachePC != 0 {
		return fmt.Sprintf("thread %d: fault at %#x (cache %#x): %v", e.ThreadID, e.PC, e.CachePC, e.Cause)
	}
	return fmt.Sprintf("thread %d: fault at %#x: %v", e.ThreadID, e.PC, e.Cause)
}

func (e *AppFault) Unwrap() error { return e.Cause }

// IsFatal reports errors that stop the engine rather than the application:
// cache exhaustion, instrumentation violations and internal assertions.
func IsFatal(err error) bool {
	var ce *CacheExhaustedError
	var hv *HookViolationError
	return rerrors.As(err, &ce) || rerrors.As(err, &hv) || rerrors.Is(err, ErrBlockTooLarge) || rerrors.IsAssertion(err)
}
