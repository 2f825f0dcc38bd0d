package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall outcome of an apply or destroy run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every node reached its goal state.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates some nodes failed or were blocked.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCancelled indicates the run was cancelled before completing.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusPartial || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusPartial, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// Action is what a plan intends to do with a node.
type Action string

const (
	// ActionCreate indicates the resource does not exist yet.
	ActionCreate Action = "create"

	// ActionUpdate indicates the resource exists but its inputs changed.
	ActionUpdate Action = "update"

	// ActionNoop indicates the resource exists with the declared inputs.
	ActionNoop Action = "noop"

	// ActionDelete indicates a recorded resource is no longer declared.
	ActionDelete Action = "delete"
)

// IsDestructive returns true if the action removes a resource.
func (a Action) IsDestructive() bool {
	return a == ActionDelete
}

// Symbol returns the one-character marker used in plan output.
func (a Action) Symbol() string {
	switch a {
	case ActionCreate:
		return "+"
	case ActionUpdate:
		return "~"
	case ActionDelete:
		return "-"
	default:
		return " "
	}
}

// EventType represents the type of event in the execution timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a run has finished, whatever the outcome.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeNodeStateChanged indicates a node moved to a new lifecycle state.
	EventTypeNodeStateChanged EventType = "node_state_changed"

	// EventTypeNodeRetry indicates a transient failure will be retried.
	EventTypeNodeRetry EventType = "node_retry"

	// EventTypeBootstrapStep indicates a bootstrap step finished.
	EventTypeBootstrapStep EventType = "bootstrap_step"

	// EventTypeNodeDestroyed indicates a node was torn down.
	EventTypeNodeDestroyed EventType = "node_destroyed"
)

// MarshalJSON implements json.Marshaler for NodeState.
func (s NodeState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for NodeState.
func (s *NodeState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := NodeState(str)
	switch state {
	case NodeStatePending, NodeStateResolving, NodeStateApplying, NodeStateReady,
		NodeStateFailed, NodeStateBlocked, NodeStateCancelled:
		*s = state
		return nil
	default:
		return fmt.Errorf("invalid node state: %s", str)
	}
}

// MarshalJSON implements json.Marshaler for RunStatus.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for RunStatus.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := RunStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}
