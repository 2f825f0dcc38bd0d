package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/straddle/pkg/engine"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// RunKind distinguishes apply runs from destroy runs.
type RunKind string

const (
	RunKindApply   RunKind = "apply"
	RunKindDestroy RunKind = "destroy"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run is the history entry of one apply or destroy.
type Run struct {
	ID           string           `json:"id"`
	Deployment   string           `json:"deployment"`
	Kind         RunKind          `json:"kind"`
	Status       engine.RunStatus `json:"status"`
	DocumentPath string           `json:"document_path"`
	Summary      string           `json:"summary"` // JSON blob
	Error        *string          `json:"error,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// Event is a persisted entry of a run's execution timeline.
type Event struct {
	ID        int64      `json:"id"`
	EventID   string     `json:"event_id"`
	RunID     string     `json:"run_id"`
	Type      string     `json:"type"`
	Node      string     `json:"node,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Data      *string    `json:"data,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// State records, keyed by deployment and node identity.
	engine.StateStore

	// Executor events are persisted as they are published.
	engine.EventPublisher

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	CompleteRun(ctx context.Context, id string, status engine.RunStatus, summary string, errMsg *string) error
	ListRuns(ctx context.Context, deployment string, limit, offset int) ([]*Run, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
