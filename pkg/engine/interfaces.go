package engine

import (
	"context"
	"time"
)

// Adapter manages resources of one or more environment targets.
// Implementations must be safe for concurrent use across nodes.
type Adapter interface {
	// Apply creates the resource or, when a matching resource already exists,
	// returns its attributes without creating a duplicate.
	Apply(ctx context.Context, req *ApplyRequest) (Attributes, error)

	// Read returns the current attributes of an existing resource. It returns
	// an error for which IsNotFound is true when the resource is gone.
	Read(ctx context.Context, req *ReadRequest) (Attributes, error)

	// Destroy removes the resource. Destroying a missing resource succeeds.
	Destroy(ctx context.Context, req *DestroyRequest) error
}

// SchemaProvider is implemented by adapters that declare the outputs each
// resource type produces. The GraphBuilder uses it to reject references to
// undeclared outputs.
type SchemaProvider interface {
	// Outputs returns the output names for a resource type, and false when
	// the type is unknown.
	Outputs(resourceType string) ([]string, bool)
}

// ApplyRequest carries everything an adapter needs to converge one node.
type ApplyRequest struct {
	// Deployment scopes discovery tags so separate deployments never collide.
	Deployment string

	Node       NodeID
	Target     EnvironmentTarget
	Credential string

	// Inputs are fully resolved; no references remain.
	Inputs map[string]interface{}

	// Identifier is the last identifier recorded for the node, or "".
	Identifier string
}

// ReadRequest identifies an existing resource.
type ReadRequest struct {
	Deployment string
	Node       NodeID
	Target     EnvironmentTarget
	Credential string
	Identifier string
}

// DestroyRequest identifies a resource to remove.
type DestroyRequest struct {
	Deployment string
	Node       NodeID
	Target     EnvironmentTarget
	Credential string
	Identifier string

	// Attributes are the last recorded outputs, for adapters that need more
	// than the identifier to tear a resource down.
	Attributes Attributes
}

// Adapters maps each environment target to the adapter serving it.
type Adapters map[EnvironmentTarget]Adapter

// For returns the adapter for a target.
func (a Adapters) For(target EnvironmentTarget) (Adapter, error) {
	adapter, ok := a[target]
	if !ok || adapter == nil {
		return nil, NewPermanentError("no adapter registered for target "+string(target), nil).
			WithCode(ErrCodeValidation)
	}
	return adapter, nil
}

// Outputs implements SchemaProvider by asking the adapters that declare schemas.
func (a Adapters) Outputs(resourceType string) ([]string, bool) {
	for _, adapter := range a {
		if sp, ok := adapter.(SchemaProvider); ok {
			if outs, known := sp.Outputs(resourceType); known {
				return outs, true
			}
		}
	}
	return nil, false
}

// BootstrapRequest is the resolved input for one bootstrap sequence.
type BootstrapRequest struct {
	Node NodeID
	Spec *BootstrapSpec

	// Host is the resolved connection address.
	Host string

	// Outputs are the node's current attributes, used by the readiness predicate.
	Outputs Attributes
}

// BootstrapRunner performs the remote steps of a BootstrapSpec.
type BootstrapRunner interface {
	// Run waits for readiness, connects, and executes every step in order.
	// A predicate that does not hold yet or a connection that cannot be
	// established yields a retryable error; a failing step yields a permanent one.
	Run(ctx context.Context, req *BootstrapRequest) error
}

// StateRecord is the persisted knowledge about one node.
type StateRecord struct {
	Deployment string            `json:"deployment"`
	Node       NodeID            `json:"node"`
	Target     EnvironmentTarget `json:"target"`
	Credential string            `json:"credential,omitempty"`
	Identifier string            `json:"identifier"`
	Attributes Attributes        `json:"attributes"`
	InputHash  string            `json:"input_hash"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// StateStore is a key-value store of StateRecords keyed by deployment and node identity.
type StateStore interface {
	// GetState returns the record for a node, or nil when none exists.
	GetState(ctx context.Context, deployment string, node NodeID) (*StateRecord, error)

	// PutState inserts or replaces a record.
	PutState(ctx context.Context, record *StateRecord) error

	// DeleteState removes a record. Removing a missing record succeeds.
	DeleteState(ctx context.Context, deployment string, node NodeID) error

	// ListState returns every record for a deployment.
	ListState(ctx context.Context, deployment string) ([]*StateRecord, error)
}

// Event is an entry in the execution timeline.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	RunID     string                 `json:"run_id"`
	Node      string                 `json:"node,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventPublisher receives execution events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Recorder receives execution measurements.
type Recorder interface {
	RecordRunCompleted(status string, duration time.Duration)
	RecordNodeCompleted(target, state string, duration time.Duration)
	RecordAdapterCall(target, operation string, duration time.Duration, err error)
	RecordRetry(target, phase, class string)
	RecordBootstrap(status string, duration time.Duration)
}
