package errors

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"
)

// EngineError is an error raised by one of the engine's subsystems while
// operating on a given tag (zero when the operation is not tag-specific).
type EngineError struct {
	Op      string
	Tag     uint64
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	msg := e.Op
	if e.Tag != 0 {
		msg = fmt.Sprintf("%s %#x", msg, e.Tag)
	}
	if e.Message != "" {
		msg = msg + ": " + e.Message
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// IsEngineError checks if err is, or wraps, an engine error
func IsEngineError(err error) bool {
	var ee *EngineError
	return crdb.As(err, &ee)
}

// Wrap wraps an existing error as an engine error for operation op.
func Wrap(err error, op string, tag uint64) *EngineError {
	return &EngineError{
		Op:    op,
		Tag:   tag,
		Cause: err,
	}
}

// Errorf creates a new engine error with formatted message
func Errorf(op string, tag uint64, format string, args ...interface{}) *EngineError {
	return &EngineError{
		Op:      op,
		Tag:     tag,
		Message: fmt.Sprintf(format, args...),
	}
}

// Assertf reports an internal invariant violation. The returned error
// carries a stack trace and is recognized by IsAssertion.
func Assertf(format string, args ...interface{}) error {
	return crdb.AssertionFailedf(format, args...)
}

// IsAssertion reports whether err is an internal invariant violation.
func IsAssertion(err error) bool {
	return crdb.IsAssertionFailure(err)
}

// Is, As and New re-export the standard helpers so callers only import one
// errors package.
func Is(err, target error) bool { return crdb.Is(err, target) }

func As(err error, target any) bool { return crdb.As(err, target) }

func New(msg string) error { return crdb.New(msg) }
