// Package cloud implements the engine adapter for AWS EC2: virtual networks,
// compute instances and their key pairs, and elastic addresses.
//
// Every resource the adapter creates carries the tags straddle:deployment
// and straddle:node. Apply first looks for the recorded identifier, then for
// a tagged resource, and creates one only when neither exists, so re-applying
// a deployment never duplicates resources.
package cloud

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/straddle/pkg/credentials"
	"github.com/openfroyo/straddle/pkg/engine"
)

// Resource types served by the adapter.
const (
	TypeVPC            = "vpc"
	TypeInstance       = "instance"
	TypeKeyPair        = "key_pair"
	TypeEIP            = "eip"
	TypeEIPAssociation = "eip_association"
)

// Options tunes the adapter.
type Options struct {
	// Region is used when a credential does not name one.
	Region string

	// WaitTimeout bounds waiting for an instance to reach a state.
	WaitTimeout time.Duration

	// WaitMinDelay and WaitMaxDelay bound the state polling interval.
	WaitMinDelay time.Duration
	WaitMaxDelay time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		WaitTimeout:  10 * time.Minute,
		WaitMinDelay: 5 * time.Second,
		WaitMaxDelay: 30 * time.Second,
	}
}

type applyFunc func(a *Adapter, ctx context.Context, api EC2API, req *engine.ApplyRequest) (engine.Attributes, error)
type readFunc func(a *Adapter, ctx context.Context, api EC2API, req *engine.ReadRequest) (engine.Attributes, error)
type destroyFunc func(a *Adapter, ctx context.Context, api EC2API, req *engine.DestroyRequest) error

type resourceKind struct {
	target  engine.EnvironmentTarget
	outputs []string
	apply   applyFunc
	read    readFunc
	destroy destroyFunc
}

var kinds = map[string]resourceKind{
	TypeVPC: {
		target: engine.TargetCloudNetwork,
		outputs: []string{
			"id", "vpc_id", "cidr", "public_subnet_id", "private_subnet_ids",
			"availability_zones", "internet_gateway_id", "route_table_id", "security_group_id",
		},
		apply:   (*Adapter).applyNetwork,
		read:    (*Adapter).readNetwork,
		destroy: (*Adapter).destroyNetwork,
	},
	TypeInstance: {
		target: engine.TargetCloudCompute,
		outputs: []string{
			"id", "instance_id", "state", "image_id", "instance_type", "availability_zone",
			"subnet_id", "private_ip", "public_ip",
		},
		apply:   (*Adapter).applyInstance,
		read:    (*Adapter).readInstance,
		destroy: (*Adapter).destroyInstance,
	},
	TypeKeyPair: {
		target:  engine.TargetCloudCompute,
		outputs: []string{"id", "key_pair_id", "key_name", "fingerprint"},
		apply:   (*Adapter).applyKeyPair,
		read:    (*Adapter).readKeyPair,
		destroy: (*Adapter).destroyKeyPair,
	},
	TypeEIP: {
		target:  engine.TargetCloudAddress,
		outputs: []string{"id", "allocation_id", "public_ip"},
		apply:   (*Adapter).applyAddress,
		read:    (*Adapter).readAddress,
		destroy: (*Adapter).destroyAddress,
	},
	TypeEIPAssociation: {
		target:  engine.TargetCloudAddress,
		outputs: []string{"id", "association_id", "allocation_id", "instance_id", "public_ip", "private_ip"},
		apply:   (*Adapter).applyAssociation,
		read:    (*Adapter).readAssociation,
		destroy: (*Adapter).destroyAssociation,
	},
}

// ResourceTypes returns the resource types the adapter serves for a target.
func ResourceTypes(target engine.EnvironmentTarget) []string {
	var types []string
	for name, kind := range kinds {
		if kind.target == target {
			types = append(types, name)
		}
	}
	sort.Strings(types)
	return types
}

// Adapter implements engine.Adapter for EC2. One Adapter serves the
// cloud_network, cloud_compute and cloud_address targets.
type Adapter struct {
	opts        Options
	credentials credentials.Provider
	newClient   ClientFactory
	logger      zerolog.Logger

	mu      sync.Mutex
	clients map[string]EC2API
}

var (
	_ engine.Adapter        = (*Adapter)(nil)
	_ engine.SchemaProvider = (*Adapter)(nil)
)

// New creates an EC2 adapter. A nil factory uses NewEC2Client.
func New(creds credentials.Provider, factory ClientFactory, opts Options, logger zerolog.Logger) *Adapter {
	defaults := DefaultOptions()
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = defaults.WaitTimeout
	}
	if opts.WaitMinDelay <= 0 {
		opts.WaitMinDelay = defaults.WaitMinDelay
	}
	if opts.WaitMaxDelay < opts.WaitMinDelay {
		opts.WaitMaxDelay = max(defaults.WaitMaxDelay, opts.WaitMinDelay)
	}
	if factory == nil {
		factory = NewEC2Client
	}

	return &Adapter{
		opts:        opts,
		credentials: creds,
		newClient:   factory,
		logger:      logger.With().Str("adapter", "cloud").Logger(),
		clients:     make(map[string]EC2API),
	}
}

// Outputs implements engine.SchemaProvider.
func (a *Adapter) Outputs(resourceType string) ([]string, bool) {
	kind, ok := kinds[resourceType]
	if !ok {
		return nil, false
	}
	return kind.outputs, true
}

// Apply implements engine.Adapter.
func (a *Adapter) Apply(ctx context.Context, req *engine.ApplyRequest) (engine.Attributes, error) {
	kind, err := lookupKind(req.Node, req.Target)
	if err != nil {
		return nil, err
	}
	api, err := a.client(ctx, req.Node, req.Credential)
	if err != nil {
		return nil, err
	}

	attrs, err := kind.apply(a, ctx, api, req)
	if err != nil {
		return nil, classify(err, req.Node, "apply")
	}
	return attrs, nil
}

// Read implements engine.Adapter.
func (a *Adapter) Read(ctx context.Context, req *engine.ReadRequest) (engine.Attributes, error) {
	kind, err := lookupKind(req.Node, req.Target)
	if err != nil {
		return nil, err
	}
	if req.Identifier == "" {
		return nil, engine.NewNotFoundError("no identifier recorded").WithResource(req.Node.String())
	}
	api, err := a.client(ctx, req.Node, req.Credential)
	if err != nil {
		return nil, err
	}

	attrs, err := kind.read(a, ctx, api, req)
	if err != nil {
		return nil, classify(err, req.Node, "read")
	}
	return attrs, nil
}

// Destroy implements engine.Adapter.
func (a *Adapter) Destroy(ctx context.Context, req *engine.DestroyRequest) error {
	kind, err := lookupKind(req.Node, req.Target)
	if err != nil {
		return err
	}
	if req.Identifier == "" {
		return nil
	}
	api, err := a.client(ctx, req.Node, req.Credential)
	if err != nil {
		return err
	}

	if err := kind.destroy(a, ctx, api, req); err != nil && !isNotFound(err) {
		return classify(err, req.Node, "destroy")
	}
	return nil
}

func lookupKind(node engine.NodeID, target engine.EnvironmentTarget) (resourceKind, error) {
	kind, ok := kinds[node.Type]
	if !ok {
		return resourceKind{}, engine.NewPermanentError(fmt.Sprintf("unsupported cloud resource type %q", node.Type), nil).
			WithCode(engine.ErrCodeValidation).WithResource(node.String())
	}
	if kind.target != target {
		return resourceKind{}, engine.NewPermanentError(
			fmt.Sprintf("resource type %q belongs to target %s, not %s", node.Type, kind.target, target), nil).
			WithCode(engine.ErrCodeValidation).WithResource(node.String())
	}
	return kind, nil
}

// client returns the EC2 client for a credential, creating it on first use.
func (a *Adapter) client(ctx context.Context, node engine.NodeID, name string) (EC2API, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if api, ok := a.clients[name]; ok {
		return api, nil
	}

	var cred *credentials.Credential
	if name != "" {
		if a.credentials == nil {
			return nil, engine.NewPermanentError("no credential provider configured", nil).
				WithCode(engine.ErrCodeCredentialMissing).WithResource(node.String())
		}
		var err error
		cred, err = a.credentials.Resolve(ctx, name)
		if err != nil {
			return nil, engine.NewPermanentError("cloud credential unavailable", err).
				WithCode(engine.ErrCodeCredentialMissing).WithResource(node.String())
		}
	}

	api, err := a.newClient(ctx, cred, a.opts.Region)
	if err != nil {
		return nil, engine.NewPermanentError("failed to create EC2 client", err).
			WithCode(engine.ErrCodeCredentialMissing).WithResource(node.String())
	}
	a.clients[name] = api
	return api, nil
}

func validationError(format string, args ...interface{}) *engine.EngineError {
	return engine.NewPermanentError(fmt.Sprintf(format, args...), nil).WithCode(engine.ErrCodeValidation)
}

// intList reads a list of integers from inputs.
func intList(inputs engine.Attributes, key string) ([]int, error) {
	switch v := inputs[key].(type) {
	case nil:
		return nil, nil
	case []int:
		return v, nil
	default:
		raw := inputs.Strings(key)
		if raw == nil {
			if n, ok := inputs.Int(key); ok {
				return []int{n}, nil
			}
			return nil, validationError("%s must be a list of integers", key)
		}
		out := make([]int, 0, len(raw))
		for _, s := range raw {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, validationError("%s: %q is not an integer", key, s)
			}
			out = append(out, n)
		}
		return out, nil
	}
}
