package engine

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// NodeID is the identity of a resource node: the module that declares it,
// its resource type, and its local name.
type NodeID struct {
	Module string `json:"module" yaml:"module"`
	Type   string `json:"type" yaml:"type"`
	Name   string `json:"name" yaml:"name"`
}

// String returns the dotted form module.type.name.
func (id NodeID) String() string {
	return id.Module + "." + id.Type + "." + id.Name
}

// IsZero reports whether the identity is empty.
func (id NodeID) IsZero() bool {
	return id.Module == "" && id.Type == "" && id.Name == ""
}

// Validate checks that every identity component is present and free of dots.
func (id NodeID) Validate() error {
	parts := [][2]string{{"module", id.Module}, {"type", id.Type}, {"name", id.Name}}
	for _, p := range parts {
		label, part := p[0], p[1]
		if part == "" {
			return fmt.Errorf("node identity %q has an empty %s", id.String(), label)
		}
		if strings.Contains(part, ".") {
			return fmt.Errorf("node identity %s component %q must not contain '.'", label, part)
		}
	}
	return nil
}

// ParseNodeID parses the dotted form module.type.name.
func ParseNodeID(s string) (NodeID, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return NodeID{}, fmt.Errorf("invalid node identity %q: expected module.type.name", s)
	}
	id := NodeID{Module: parts[0], Type: parts[1], Name: parts[2]}
	if err := id.Validate(); err != nil {
		return NodeID{}, err
	}
	return id, nil
}

// SortNodeIDs sorts identities by their dotted form.
func SortNodeIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

// EnvironmentTarget selects which adapter manages a node.
type EnvironmentTarget string

const (
	// TargetCloudNetwork is a cloud virtual network and its segments.
	TargetCloudNetwork EnvironmentTarget = "cloud_network"

	// TargetCloudCompute is a cloud compute instance (or its key pair).
	TargetCloudCompute EnvironmentTarget = "cloud_compute"

	// TargetCloudAddress is a cloud elastic address or its association.
	TargetCloudAddress EnvironmentTarget = "cloud_address"

	// TargetOnPremContainer is a container on the on-premises hypervisor.
	TargetOnPremContainer EnvironmentTarget = "onprem_container"
)

// Validate checks if the target is known.
func (t EnvironmentTarget) Validate() error {
	switch t {
	case TargetCloudNetwork, TargetCloudCompute, TargetCloudAddress, TargetOnPremContainer:
		return nil
	default:
		return fmt.Errorf("invalid environment target: %q", t)
	}
}

// IsCloud reports whether the target is served by the cloud adapter.
func (t EnvironmentTarget) IsCloud() bool {
	return t == TargetCloudNetwork || t == TargetCloudCompute || t == TargetCloudAddress
}

// Attributes are the named outputs an adapter reports for a node.
type Attributes map[string]interface{}

// AttrID is the attribute under which adapters report the external identifier.
const AttrID = "id"

// ID returns the external identifier, if reported.
func (a Attributes) ID() string {
	return a.String(AttrID)
}

// String returns the attribute as a string, or "" when absent.
func (a Attributes) String(key string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Strings returns a list attribute as strings.
func (a Attributes) Strings(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// Int returns a numeric attribute. Documents decoded from JSON carry
// float64 and YAML carries int; strings holding digits are accepted too.
func (a Attributes) Int(key string) (int, bool) {
	switch v := a[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	default:
		return 0, false
	}
}

// Bool returns a boolean attribute.
func (a Attributes) Bool(key string) (bool, bool) {
	switch v := a[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	default:
		return false, false
	}
}

// Clone returns a shallow copy.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Reference names an output of another node.
type Reference struct {
	Node   NodeID `json:"node"`
	Output string `json:"output"`
}

// String returns the reference in ${module.type.name.output} form.
func (r Reference) String() string {
	return "${" + r.Node.String() + "." + r.Output + "}"
}

// ValueKind distinguishes the shapes a Value can take.
type ValueKind int

const (
	// KindLiteral is a plain value known before execution.
	KindLiteral ValueKind = iota
	// KindReference is the output of another node.
	KindReference
	// KindList is an ordered list of values.
	KindList
	// KindInterpolation is a string built from literal text and references.
	KindInterpolation
)

// Value is a node input. It is either a literal or derived from other nodes'
// outputs, which makes it resolvable only during execution.
type Value struct {
	Kind    ValueKind
	Literal interface{}
	Ref     *Reference
	Items   []Value
}

// Lit returns a literal value.
func Lit(v interface{}) Value {
	return Value{Kind: KindLiteral, Literal: v}
}

// Ref returns a value referencing output of node.
func Ref(node NodeID, output string) Value {
	return Value{Kind: KindReference, Ref: &Reference{Node: node, Output: output}}
}

// List returns a list value.
func List(items ...Value) Value {
	return Value{Kind: KindList, Items: items}
}

// Interp returns a string value concatenated from parts.
func Interp(parts ...Value) Value {
	return Value{Kind: KindInterpolation, Items: parts}
}

// References returns every reference contained in the value, in order.
func (v Value) References() []Reference {
	switch v.Kind {
	case KindReference:
		if v.Ref == nil {
			return nil
		}
		return []Reference{*v.Ref}
	case KindList, KindInterpolation:
		var refs []Reference
		for _, item := range v.Items {
			refs = append(refs, item.References()...)
		}
		return refs
	default:
		return nil
	}
}

// IsKnown reports whether the value can be computed without execution.
func (v Value) IsKnown() bool {
	return len(v.References()) == 0
}

// String renders the value for display; references keep their ${...} form.
func (v Value) String() string {
	switch v.Kind {
	case KindReference:
		if v.Ref == nil {
			return ""
		}
		return v.Ref.String()
	case KindList:
		parts := make([]string, 0, len(v.Items))
		for _, item := range v.Items {
			parts = append(parts, item.String())
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindInterpolation:
		var b strings.Builder
		for _, item := range v.Items {
			b.WriteString(item.String())
		}
		return b.String()
	default:
		if v.Literal == nil {
			return ""
		}
		return fmt.Sprint(v.Literal)
	}
}

// NodeState is the lifecycle state of a resource node during a run.
type NodeState string

const (
	// NodeStatePending means the node has not been dispatched.
	NodeStatePending NodeState = "pending"

	// NodeStateResolving means reference inputs are being resolved.
	NodeStateResolving NodeState = "resolving"

	// NodeStateApplying means the adapter or bootstrap runner is working on the node.
	NodeStateApplying NodeState = "applying"

	// NodeStateReady means the node exists and its outputs are published.
	NodeStateReady NodeState = "ready"

	// NodeStateFailed means the node failed permanently.
	NodeStateFailed NodeState = "failed"

	// NodeStateBlocked means a transitive producer failed; the node was never attempted.
	NodeStateBlocked NodeState = "blocked"

	// NodeStateCancelled means the run was cancelled before the node started.
	NodeStateCancelled NodeState = "cancelled"
)

// IsTerminal returns true if the state is final for the run.
func (s NodeState) IsTerminal() bool {
	switch s {
	case NodeStateReady, NodeStateFailed, NodeStateBlocked, NodeStateCancelled:
		return true
	default:
		return false
	}
}

// ResourceNode is a single declared resource.
type ResourceNode struct {
	// ID is the unique identity of the node within a graph.
	ID NodeID `json:"id"`

	// Target selects the adapter responsible for the node.
	Target EnvironmentTarget `json:"target"`

	// Credential names the credential the adapter uses, if any.
	Credential string `json:"credential,omitempty"`

	// Inputs are literal or reference-valued arguments.
	Inputs map[string]Value `json:"-"`

	// DependsOn adds ordering edges that carry no value.
	DependsOn []NodeID `json:"depends_on,omitempty"`

	// Bootstrap, when set, runs after the adapter reports the node applied.
	Bootstrap *BootstrapSpec `json:"bootstrap,omitempty"`

	// State is owned by the Executor.
	State NodeState `json:"state"`

	// Outputs are populated once the node is ready.
	Outputs Attributes `json:"outputs,omitempty"`
}

// InputReferences returns the references made by the node's inputs, in key order.
func (n *ResourceNode) InputReferences() []Reference {
	keys := make([]string, 0, len(n.Inputs))
	for k := range n.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var refs []Reference
	for _, k := range keys {
		refs = append(refs, n.Inputs[k].References()...)
	}
	return refs
}

// HostReferences returns the references made by the bootstrap connection host.
func (n *ResourceNode) HostReferences() []Reference {
	if n.Bootstrap == nil {
		return nil
	}
	return n.Bootstrap.Connection.Host.References()
}

// StepKind is the kind of a bootstrap step.
type StepKind string

const (
	// StepUpload copies a file to the remote host.
	StepUpload StepKind = "upload"
	// StepRun executes a command on the remote host.
	StepRun StepKind = "run"
)

// BootstrapStep is one remote action.
type BootstrapStep struct {
	Kind StepKind `json:"kind"`
	Name string   `json:"name,omitempty"`

	// Upload: either a local Source path or inline Content is copied to Destination.
	Source      string      `json:"source,omitempty"`
	Content     string      `json:"-"`
	Destination string      `json:"destination,omitempty"`
	Mode        os.FileMode `json:"mode,omitempty"`

	// Run: Command is executed; output containing any AlreadyDone marker counts as success.
	Command     string   `json:"command,omitempty"`
	AlreadyDone []string `json:"already_done,omitempty"`
}

// Describe returns a short label for logs.
func (s BootstrapStep) Describe() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Kind == StepUpload {
		return "upload " + s.Destination
	}
	cmd := s.Command
	if len(cmd) > 48 {
		cmd = cmd[:48] + "..."
	}
	return "run " + cmd
}

// ConnectionSpec describes how to reach a provisioned host.
type ConnectionSpec struct {
	Host       Value  `json:"-"`
	Port       int    `json:"port,omitempty"`
	User       string `json:"user"`
	AuthMethod string `json:"auth_method,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// BootstrapSpec is the ordered sequence of remote steps for a node.
type BootstrapSpec struct {
	Connection ConnectionSpec `json:"connection"`

	// Readiness is a boolean expression over the node's outputs.
	Readiness string `json:"readiness,omitempty"`

	Steps       []BootstrapStep `json:"steps"`
	StepTimeout time.Duration   `json:"step_timeout,omitempty"`
}

// OutputBinding exports one node output under a user-facing label.
type OutputBinding struct {
	Label    string `json:"label"`
	Source   NodeID `json:"source"`
	Output   string `json:"output"`
	Template string `json:"template,omitempty"`
}

// RenderedOutput is the result of rendering one binding.
type RenderedOutput struct {
	Label     string `json:"label"`
	Value     string `json:"value"`
	Available bool   `json:"available"`
}
