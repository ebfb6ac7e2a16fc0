package errors

import (
	"fmt"
	"io"
	"testing"
)

func TestEngineErrorMessage(t *testing.T) {
	err := Wrap(io.ErrUnexpectedEOF, "decode", 0x1000)
	if got, want := err.Error(), "decode 0x1000: unexpected EOF"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !Is(err, io.ErrUnexpectedEOF) {
		t.Error("wrapped cause not found by Is")
	}

	err = Errorf("emit", 0, "body of %d bytes", 12)
	if got, want := err.Error(), "emit: body of 12 bytes"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsEngineError(t *testing.T) {
	err := fmt.Errorf("outer: %w", Errorf("link", 0x20, "bad"))
	if !IsEngineError(err) {
		t.Error("IsEngineError = false for wrapped engine error")
	}
	if IsEngineError(io.EOF) {
		t.Error("IsEngineError = true for io.EOF")
	}
}

func TestAssertion(t *testing.T) {
	err := Assertf("fragment %#x still linked", 0x40)
	if !IsAssertion(err) {
		t.Fatal("IsAssertion = false")
	}
	if IsAssertion(New("plain")) {
		t.Error("IsAssertion = true for plain error")
	}
}
