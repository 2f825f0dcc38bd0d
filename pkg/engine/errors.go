package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: call timeouts, service unavailability, a host still booting.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Retried with a longer backoff than transient errors.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid parameters, authorization failure, a conflicting resource.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassCancelled indicates the run was cancelled while the call was pending.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the node identity that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Attempts is the number of attempts made before the error became final.
	Attempts int `json:"attempts,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		fmt.Fprintf(&b, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	case e.Operation != "":
		fmt.Fprintf(&b, " (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Code:    ErrCodeRateLimited,
		Err:     err,
	}
}

// NewConflictError creates a permanent error for a resource that conflicts
// with one the orchestrator does not own.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Code:    ErrCodeConflict,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewNotFoundError creates a permanent error with the NOT_FOUND code.
// Adapters return it from Read when the resource no longer exists.
func NewNotFoundError(message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Code:    ErrCodeNotFound,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return classOf(err) == ErrorClassThrottled
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// IsCancelled returns true if the error is classified as cancelled.
func IsCancelled(err error) bool {
	return classOf(err) == ErrorClassCancelled
}

// IsRetryable returns true if the error can be retried.
// Transient and throttled errors are retryable.
func IsRetryable(err error) bool {
	c := classOf(err)
	return c == ErrorClassTransient || c == ErrorClassThrottled
}

// IsNotFound returns true if the error carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	var e *EngineError
	for errors.As(err, &e) {
		if e.Code == ErrCodeNotFound {
			return true
		}
		err = e.Err
		e = nil
	}
	return false
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Classify wraps err in an EngineError when it is not one already.
// Deadline expiry is transient, cancellation is cancelled, and anything
// unrecognised is permanent.
func Classify(err error, operation string) *EngineError {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewTransientError(operation+" timed out", err).
			WithCode(ErrCodeTimeout).WithOperation(operation)
	case errors.Is(err, context.Canceled):
		return &EngineError{Class: ErrorClassCancelled, Message: operation + " cancelled", Err: err, Operation: operation}
	default:
		return NewPermanentError(operation+" failed", err).
			WithCode(ErrCodeAdapterFailed).WithOperation(operation)
	}
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeUnavailable       = "UNAVAILABLE"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeAdapterFailed     = "ADAPTER_FAILED"
	ErrCodeBootstrapFailed   = "BOOTSTRAP_FAILED"
	ErrCodeNotReady          = "NOT_READY"
	ErrCodeDependencyFailed  = "DEPENDENCY_FAILED"
	ErrCodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	ErrCodeCredentialMissing = "CREDENTIAL_MISSING"
)

// GraphErrorKind identifies why a graph could not be built.
type GraphErrorKind string

const (
	// CyclicDependency means the references form a cycle.
	CyclicDependency GraphErrorKind = "CyclicDependency"

	// UnresolvedReference means a reference names a node or output that does not exist.
	UnresolvedReference GraphErrorKind = "UnresolvedReference"

	// DuplicateNodeIdentity means two nodes share an identity.
	DuplicateNodeIdentity GraphErrorKind = "DuplicateNodeIdentity"

	// InvalidNode means a node failed structural validation.
	InvalidNode GraphErrorKind = "InvalidNode"
)

// GraphError is a fatal configuration error detected before any adapter call.
type GraphError struct {
	Kind GraphErrorKind

	// Node is the node whose declaration is at fault.
	Node NodeID

	// Reference is set for UnresolvedReference.
	Reference *Reference

	// Cycle lists the nodes of the cycle, first node repeated at the end.
	Cycle []NodeID

	Message string
}

// Error implements the error interface.
func (e *GraphError) Error() string {
	switch e.Kind {
	case CyclicDependency:
		return fmt.Sprintf("%s: %s", e.Kind, formatCycle(e.Cycle))
	case UnresolvedReference:
		if e.Reference != nil && e.Node.IsZero() {
			return fmt.Sprintf("%s: %s: %s", e.Kind, e.Reference, e.Message)
		}
		if e.Reference != nil {
			return fmt.Sprintf("%s: %s references %s: %s", e.Kind, e.Node, e.Reference, e.Message)
		}
	}
	if e.Node.IsZero() {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Node, e.Message)
}

// Is matches any GraphError of the same kind.
func (e *GraphError) Is(target error) bool {
	t, ok := target.(*GraphError)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// Sentinels for errors.Is checks on graph errors.
var (
	ErrCyclicDependency      = &GraphError{Kind: CyclicDependency}
	ErrUnresolvedReference   = &GraphError{Kind: UnresolvedReference}
	ErrDuplicateNodeIdentity = &GraphError{Kind: DuplicateNodeIdentity}
	ErrInvalidNode           = &GraphError{Kind: InvalidNode}
)

// IsGraphError reports whether err is any kind of GraphError.
func IsGraphError(err error) bool {
	var g *GraphError
	return errors.As(err, &g)
}

// CauseChain flattens an error chain into its messages, outermost first.
func CauseChain(err error) []string {
	var chain []string
	for err != nil {
		var e *EngineError
		if errors.As(err, &e) && e == err {
			chain = append(chain, fmt.Sprintf("[%s] %s", e.Class, e.Message))
			err = e.Err
			continue
		}
		next := errors.Unwrap(err)
		if next == nil {
			chain = append(chain, err.Error())
			break
		}
		msg := strings.TrimSuffix(err.Error(), ": "+next.Error())
		chain = append(chain, msg)
		err = next
	}
	return chain
}
