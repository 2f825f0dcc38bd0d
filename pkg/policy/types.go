package policy

import (
	"sort"
	"time"

	"github.com/openfroyo/straddle/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the operation.
	SeverityError Severity = "error"

	// SeverityCritical blocks the operation.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity stops the operation.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set lists violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to violations that do not set their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Node     string   `json:"node,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations are the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are the non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies are evaluated against (input in Rego).
type Input struct {
	Deployment string      `json:"deployment"`
	Operation  string      `json:"operation"`
	Nodes      []NodeInput `json:"nodes"`
}

// NodeInput describes one node. Reference-valued inputs appear in their
// ${module.type.name.output} form.
type NodeInput struct {
	ID         string                 `json:"id"`
	Module     string                 `json:"module"`
	Type       string                 `json:"type"`
	Name       string                 `json:"name"`
	Target     string                 `json:"target"`
	Credential string                 `json:"credential,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Inputs     map[string]interface{} `json:"inputs"`
	DependsOn  []string               `json:"depends_on,omitempty"`
	Bootstrap  *BootstrapInput        `json:"bootstrap,omitempty"`
}

// BootstrapInput describes a node's bootstrap connection and steps.
type BootstrapInput struct {
	Host       string      `json:"host"`
	Port       int         `json:"port"`
	User       string      `json:"user"`
	AuthMethod string      `json:"auth_method"`
	Credential string      `json:"credential,omitempty"`
	Steps      []StepInput `json:"steps"`
}

// StepInput describes one bootstrap step.
type StepInput struct {
	Kind        string `json:"kind"`
	Destination string `json:"destination,omitempty"`
	Command     string `json:"command,omitempty"`
}

// NewInput builds the policy input for an operation on g. plan may be nil,
// in which case nodes carry no action.
func NewInput(operation string, g *engine.Graph, plan *engine.Plan) *Input {
	var actions map[engine.NodeID]engine.Action
	if plan != nil {
		actions = plan.Actions()
	}

	deployment := ""
	if plan != nil {
		deployment = plan.Deployment
	}
	input := &Input{
		Deployment: deployment,
		Operation:  operation,
		Nodes:      make([]NodeInput, 0, len(g.Order)),
	}

	for _, id := range g.Order {
		node := g.Nodes[id]
		ni := NodeInput{
			ID:         id.String(),
			Module:     id.Module,
			Type:       id.Type,
			Name:       id.Name,
			Target:     string(node.Target),
			Credential: node.Credential,
			Action:     string(actions[id]),
			Inputs:     make(map[string]interface{}, len(node.Inputs)),
		}
		for k, v := range node.Inputs {
			ni.Inputs[k] = inputValue(v)
		}
		for _, dep := range node.DependsOn {
			ni.DependsOn = append(ni.DependsOn, dep.String())
		}
		sort.Strings(ni.DependsOn)

		if spec := node.Bootstrap; spec != nil {
			auth := spec.Connection.AuthMethod
			if auth == "" {
				auth = "key"
			}
			port := spec.Connection.Port
			if port == 0 {
				port = 22
			}
			bi := &BootstrapInput{
				Host:       spec.Connection.Host.String(),
				Port:       port,
				User:       spec.Connection.User,
				AuthMethod: auth,
				Credential: spec.Connection.Credential,
			}
			for _, step := range spec.Steps {
				bi.Steps = append(bi.Steps, StepInput{
					Kind:        string(step.Kind),
					Destination: step.Destination,
					Command:     step.Command,
				})
			}
			ni.Bootstrap = bi
		}
		input.Nodes = append(input.Nodes, ni)
	}
	return input
}

func inputValue(v engine.Value) interface{} {
	switch v.Kind {
	case engine.KindLiteral:
		return v.Literal
	case engine.KindList:
		items := make([]interface{}, 0, len(v.Items))
		for _, item := range v.Items {
			items = append(items, inputValue(item))
		}
		return items
	default:
		return v.String()
	}
}
