package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class ErrorClass
		code  string
	}{
		{"engine error kept", NewThrottledError("slow down", nil), ErrorClassThrottled, ErrCodeRateLimited},
		{"wrapped engine error", fmt.Errorf("call: %w", NewTransientError("x", nil)), ErrorClassTransient, ""},
		{"deadline", context.DeadlineExceeded, ErrorClassTransient, ErrCodeTimeout},
		{"cancelled", context.Canceled, ErrorClassCancelled, ""},
		{"unknown", errors.New("boom"), ErrorClassPermanent, ErrCodeAdapterFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err, "apply")
			if got.Class != tt.class {
				t.Errorf("Expected class %s, got %s", tt.class, got.Class)
			}
			if got.Code != tt.code {
				t.Errorf("Expected code %q, got %q", tt.code, got.Code)
			}
		})
	}

	if Classify(nil, "apply") != nil {
		t.Error("Expected nil for nil error")
	}
}

func TestErrorPredicates(t *testing.T) {
	conflict := NewConflictError("locked", nil)
	if !IsPermanent(conflict) || IsRetryable(conflict) {
		t.Error("Conflicts are permanent")
	}
	if !IsRetryable(NewThrottledError("x", nil)) || !IsRetryable(NewTransientError("x", nil)) {
		t.Error("Transient and throttled errors are retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("Unclassified errors are not retryable")
	}

	wrapped := NewPermanentError("outer", NewNotFoundError("gone"))
	if !IsNotFound(wrapped) {
		t.Error("Expected IsNotFound to walk the chain")
	}
	if IsNotFound(NewPermanentError("other", nil)) {
		t.Error("Expected IsNotFound false without NOT_FOUND code")
	}
}

func TestEngineError_Error(t *testing.T) {
	err := NewTransientError("timeout", errors.New("i/o")).WithResource("m.t.a").WithOperation("apply")
	want := "[transient] timeout (resource=m.t.a, operation=apply): i/o"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestCauseChain(t *testing.T) {
	inner := errors.New("connection refused")
	err := &EngineError{
		Class:   ErrorClassPermanent,
		Message: "apply failed after 4 attempts",
		Err:     NewTransientError("dial", fmt.Errorf("tcp: %w", inner)),
	}

	chain := CauseChain(err)
	want := []string{
		"[permanent] apply failed after 4 attempts",
		"[transient] dial",
		"tcp",
		"connection refused",
	}
	if strings.Join(chain, "|") != strings.Join(want, "|") {
		t.Errorf("Expected %v, got %v", want, chain)
	}
	if CauseChain(nil) != nil {
		t.Error("Expected nil chain for nil error")
	}
}

func TestGraphError_Is(t *testing.T) {
	err := fmt.Errorf("build: %w", &GraphError{Kind: CyclicDependency, Cycle: []NodeID{nodeID("m", "t", "a"), nodeID("m", "t", "a")}})
	if !errors.Is(err, ErrCyclicDependency) {
		t.Error("Expected cyclic dependency match")
	}
	if errors.Is(err, ErrInvalidNode) {
		t.Error("Expected kind mismatch")
	}
	if !IsGraphError(err) {
		t.Error("Expected graph error")
	}
}
