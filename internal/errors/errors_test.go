package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	err := New(ErrQueueFull, "queue limit reached")

	if err.Code != ErrQueueFull {
		t.Errorf("Expected code %s, got %s", ErrQueueFull, err.Code)
	}
	if !strings.Contains(err.Error(), "QUEUE_FULL") {
		t.Errorf("Expected code in message, got %s", err.Error())
	}
	if !strings.Contains(err.Error(), "queue limit reached") {
		t.Errorf("Expected message in output, got %s", err.Error())
	}
}

func TestWrapError(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(ErrDatabase, "insert failed", cause)

	if err.Unwrap() != cause {
		t.Error("Expected Unwrap to return the cause")
	}
	if !stderrors.Is(err, cause) {
		t.Error("Expected errors.Is to find the cause through the wrapper")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Expected cause in message, got %s", err.Error())
	}
}

func TestIs(t *testing.T) {
	err := New(ErrStorageDegraded, "durable write failed")

	if !Is(err, ErrStorageDegraded) {
		t.Error("Expected Is to match the code")
	}
	if Is(err, ErrDatabase) {
		t.Error("Expected Is to reject a different code")
	}
	if Is(stderrors.New("plain"), ErrDatabase) {
		t.Error("Expected Is to reject a plain error")
	}
	if Is(nil, ErrDatabase) {
		t.Error("Expected Is to reject nil")
	}
}
