// Package onprem implements the engine adapter for LXC containers on a
// Proxmox VE cluster.
//
// Containers are tagged with the deployment and node identity. Apply looks
// for the recorded identifier, then for a tagged container on the pinned
// hypervisor node, and creates one only when neither exists.
package onprem

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/straddle/pkg/credentials"
	"github.com/openfroyo/straddle/pkg/engine"
)

// TypeContainer is the only resource type served by the adapter.
const TypeContainer = "lxc"

var containerOutputs = []string{"id", "vmid", "node", "hostname", "ip", "cidr", "gateway", "bridge", "status"}

// Options tunes the adapter.
type Options struct {
	Client ClientOptions
}

// Adapter implements engine.Adapter for the onprem_container target.
type Adapter struct {
	opts        Options
	credentials credentials.Provider
	logger      zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

var (
	_ engine.Adapter        = (*Adapter)(nil)
	_ engine.SchemaProvider = (*Adapter)(nil)
)

// New creates a Proxmox adapter.
func New(creds credentials.Provider, opts Options, logger zerolog.Logger) *Adapter {
	return &Adapter{
		opts:        opts,
		credentials: creds,
		logger:      logger.With().Str("adapter", "onprem").Logger(),
		clients:     make(map[string]*Client),
	}
}

// Outputs implements engine.SchemaProvider.
func (a *Adapter) Outputs(resourceType string) ([]string, bool) {
	if resourceType != TypeContainer {
		return nil, false
	}
	return containerOutputs, true
}

// containerSpec is the parsed input of an lxc node.
type containerSpec struct {
	node         string
	vmid         int
	template     string
	hostname     string
	cores        int
	memory       int
	storage      string
	rootfsSize   int
	bridge       string
	ip           netip.Prefix
	gateway      netip.Addr
	publicKey    string
	unprivileged bool
}

func parseContainerSpec(req *engine.ApplyRequest) (*containerSpec, error) {
	inputs := engine.Attributes(req.Inputs)
	spec := &containerSpec{
		node:         inputs.String("node"),
		template:     inputs.String("template"),
		hostname:     inputs.String("hostname"),
		storage:      inputs.String("storage"),
		bridge:       inputs.String("bridge"),
		publicKey:    inputs.String("ssh_public_key"),
		cores:        1,
		memory:       512,
		rootfsSize:   8,
		unprivileged: true,
	}
	if spec.node == "" {
		return nil, validationError("node is required")
	}
	if spec.template == "" {
		return nil, validationError("template is required")
	}
	if spec.hostname == "" {
		spec.hostname = req.Node.Name
	}
	if spec.storage == "" {
		spec.storage = "local-lvm"
	}
	if spec.bridge == "" {
		spec.bridge = "vmbr0"
	}

	for key, dst := range map[string]*int{"vmid": &spec.vmid, "cores": &spec.cores, "memory": &spec.memory, "rootfs_size": &spec.rootfsSize} {
		if _, set := inputs[key]; !set {
			continue
		}
		n, ok := inputs.Int(key)
		if !ok || n <= 0 {
			return nil, validationError("%s must be a positive integer", key)
		}
		*dst = n
	}
	if v, ok := inputs.Bool("unprivileged"); ok {
		spec.unprivileged = v
	}

	ip, err := netip.ParsePrefix(inputs.String("ip"))
	if err != nil {
		return nil, validationError("ip must be an address in CIDR form: %v", err)
	}
	spec.ip = ip
	if gw := inputs.String("gateway"); gw != "" {
		addr, err := netip.ParseAddr(gw)
		if err != nil {
			return nil, validationError("gateway: %v", err)
		}
		if !ip.Masked().Contains(addr) {
			return nil, validationError("gateway %s is outside %s", addr, ip.Masked())
		}
		spec.gateway = addr
	}
	return spec, nil
}

func (s *containerSpec) net0() string {
	v := fmt.Sprintf("name=eth0,bridge=%s,ip=%s", s.bridge, s.ip)
	if s.gateway.IsValid() {
		v += ",gw=" + s.gateway.String()
	}
	return v
}

func (s *containerSpec) createParams(vmid int, tags []string) url.Values {
	params := url.Values{
		"vmid":       {strconv.Itoa(vmid)},
		"ostemplate": {s.template},
		"hostname":   {s.hostname},
		"cores":      {strconv.Itoa(s.cores)},
		"memory":     {strconv.Itoa(s.memory)},
		"rootfs":     {fmt.Sprintf("%s:%d", s.storage, s.rootfsSize)},
		"net0":       {s.net0()},
		"tags":       {strings.Join(tags, ";")},
		"onboot":     {"1"},
	}
	if s.unprivileged {
		params.Set("unprivileged", "1")
	}
	if s.publicKey != "" {
		params.Set("ssh-public-keys", s.publicKey)
	}
	return params
}

// Apply implements engine.Adapter.
func (a *Adapter) Apply(ctx context.Context, req *engine.ApplyRequest) (engine.Attributes, error) {
	if err := checkTarget(req.Node, req.Target); err != nil {
		return nil, err
	}
	client, cred, err := a.client(ctx, req.Node, req.Credential)
	if err != nil {
		return nil, err
	}
	spec, err := parseContainerSpec(req)
	if err != nil {
		return nil, classify(err, req.Node, "apply")
	}
	if spec.publicKey == "" && cred != nil {
		spec.publicKey = cred.PublicKey
	}

	attrs, err := a.applyContainer(ctx, client, req, spec)
	if err != nil {
		return nil, classify(err, req.Node, "apply")
	}
	return attrs, nil
}

func (a *Adapter) applyContainer(ctx context.Context, client *Client, req *engine.ApplyRequest, spec *containerSpec) (engine.Attributes, error) {
	tags := ownerTags(req.Deployment, req.Node)
	logger := a.logger.With().Str("node", req.Node.String()).Str("pve_node", spec.node).Logger()

	vmid, status, err := a.findContainer(ctx, client, req.Identifier, spec.node, tags)
	if err != nil {
		return nil, err
	}

	if vmid == 0 {
		vmid = spec.vmid
		if vmid == 0 {
			if vmid, err = client.NextID(ctx); err != nil {
				return nil, err
			}
		}
		upid, err := client.CreateContainer(ctx, spec.node, spec.createParams(vmid, tags))
		if err != nil {
			return nil, err
		}
		if err := client.WaitTask(ctx, spec.node, upid); err != nil {
			return nil, err
		}
		logger.Info().Int("vmid", vmid).Str("hostname", spec.hostname).Msg("Created container")
		status = "stopped"
	}

	if status != "running" {
		upid, err := client.StartContainer(ctx, spec.node, vmid)
		if err != nil {
			return nil, err
		}
		if err := client.WaitTask(ctx, spec.node, upid); err != nil {
			return nil, err
		}
		logger.Info().Int("vmid", vmid).Msg("Started container")
	}

	return readContainer(ctx, client, spec.node, vmid)
}

// findContainer returns the vmid and status of the node's container, or a
// zero vmid when none exists.
func (a *Adapter) findContainer(ctx context.Context, client *Client, identifier, node string, tags []string) (int, string, error) {
	if identifier != "" {
		idNode, vmid, err := parseIdentifier(identifier)
		if err != nil {
			return 0, "", err
		}
		status, err := client.ContainerStatus(ctx, idNode, vmid)
		switch {
		case err == nil && idNode == node:
			return vmid, status.Status, nil
		case err == nil:
			return 0, "", engine.NewConflictError(
				fmt.Sprintf("container %s is pinned to %s, not %s", identifier, idNode, node), nil)
		case !isNotFound(err):
			return 0, "", err
		}
	}

	containers, err := client.ListContainers(ctx, node)
	if err != nil {
		return 0, "", err
	}
	for _, ct := range containers {
		if !hasTags(ct.Tags, tags) {
			continue
		}
		vmid, err := ct.VMID.Int64()
		if err != nil {
			return 0, "", fmt.Errorf("invalid vmid %q: %w", ct.VMID, err)
		}
		return int(vmid), ct.Status, nil
	}
	return 0, "", nil
}

func readContainer(ctx context.Context, client *Client, node string, vmid int) (engine.Attributes, error) {
	status, err := client.ContainerStatus(ctx, node, vmid)
	if err != nil {
		return nil, err
	}
	cfg, err := client.ContainerConfig(ctx, node, vmid)
	if err != nil {
		return nil, err
	}

	attrs := engine.Attributes{
		engine.AttrID: formatIdentifier(node, vmid),
		"vmid":        vmid,
		"node":        node,
		"hostname":    cfg.Hostname,
		"status":      status.Status,
	}
	net := parseNet(cfg.Net0)
	attrs["bridge"] = net["bridge"]
	attrs["gateway"] = net["gw"]
	attrs["cidr"] = net["ip"]
	attrs["ip"] = ""
	if p, err := netip.ParsePrefix(net["ip"]); err == nil {
		attrs["ip"] = p.Addr().String()
	}
	return attrs, nil
}

// Read implements engine.Adapter.
func (a *Adapter) Read(ctx context.Context, req *engine.ReadRequest) (engine.Attributes, error) {
	if err := checkTarget(req.Node, req.Target); err != nil {
		return nil, err
	}
	if req.Identifier == "" {
		return nil, engine.NewNotFoundError("no identifier recorded").WithResource(req.Node.String())
	}
	node, vmid, err := parseIdentifier(req.Identifier)
	if err != nil {
		return nil, classify(err, req.Node, "read")
	}
	client, _, err := a.client(ctx, req.Node, req.Credential)
	if err != nil {
		return nil, err
	}

	attrs, err := readContainer(ctx, client, node, vmid)
	if err != nil {
		return nil, classify(err, req.Node, "read")
	}
	return attrs, nil
}

// Destroy implements engine.Adapter. A running container is stopped first;
// the delete purges its disks and backup job references.
func (a *Adapter) Destroy(ctx context.Context, req *engine.DestroyRequest) error {
	if err := checkTarget(req.Node, req.Target); err != nil {
		return err
	}
	if req.Identifier == "" {
		return nil
	}
	node, vmid, err := parseIdentifier(req.Identifier)
	if err != nil {
		return classify(err, req.Node, "destroy")
	}
	client, _, err := a.client(ctx, req.Node, req.Credential)
	if err != nil {
		return err
	}

	if err := a.destroyContainer(ctx, client, node, vmid); err != nil && !isNotFound(err) {
		return classify(err, req.Node, "destroy")
	}
	return nil
}

func (a *Adapter) destroyContainer(ctx context.Context, client *Client, node string, vmid int) error {
	status, err := client.ContainerStatus(ctx, node, vmid)
	if err != nil {
		return err
	}
	if status.Status == "running" {
		upid, err := client.StopContainer(ctx, node, vmid)
		if err != nil {
			return err
		}
		if err := client.WaitTask(ctx, node, upid); err != nil {
			return err
		}
	}

	upid, err := client.DeleteContainer(ctx, node, vmid)
	if err != nil {
		return err
	}
	if err := client.WaitTask(ctx, node, upid); err != nil {
		return err
	}
	a.logger.Info().Str("pve_node", node).Int("vmid", vmid).Msg("Deleted container")
	return nil
}

// client returns the API client for a credential, creating it on first use.
func (a *Adapter) client(ctx context.Context, node engine.NodeID, name string) (*Client, *credentials.Credential, error) {
	missing := func(msg string, err error) error {
		return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeCredentialMissing).WithResource(node.String())
	}
	if name == "" {
		return nil, nil, missing("container resources require a credential", nil)
	}
	if a.credentials == nil {
		return nil, nil, missing("no credential provider configured", nil)
	}
	cred, err := a.credentials.Resolve(ctx, name)
	if err != nil {
		return nil, nil, missing("hypervisor credential unavailable", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[name]; ok {
		return c, cred, nil
	}
	c, err := NewClient(cred, a.opts.Client, a.logger)
	if err != nil {
		return nil, nil, missing("failed to create hypervisor client", err)
	}
	a.clients[name] = c
	return c, cred, nil
}

func checkTarget(node engine.NodeID, target engine.EnvironmentTarget) error {
	if node.Type != TypeContainer {
		return validationError("unsupported on-prem resource type %q", node.Type).WithResource(node.String())
	}
	if target != engine.TargetOnPremContainer {
		return validationError("resource type %q belongs to target %s, not %s",
			node.Type, engine.TargetOnPremContainer, target).WithResource(node.String())
	}
	return nil
}

// classify maps client errors to engine errors.
func classify(err error, node engine.NodeID, op string) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		if ee.Resource == "" {
			ee.Resource = node.String()
		}
		return ee
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return engine.Classify(err, op).WithResource(node.String())
	}

	var apiErr *APIError
	var taskErr *TaskError
	switch {
	case errors.As(err, &taskErr):
		return engine.NewPermanentError("hypervisor task failed", err).
			WithCode(engine.ErrCodeAdapterFailed).WithResource(node.String()).WithOperation(op).
			WithDetail("exit_status", taskErr.ExitStatus)
	case !errors.As(err, &apiErr):
		return engine.NewTransientError("hypervisor unreachable", err).
			WithCode(engine.ErrCodeUnavailable).WithResource(node.String()).WithOperation(op)
	}

	var out *engine.EngineError
	switch {
	case apiErr.NotFound():
		out = engine.NewNotFoundError(apiErr.Message)
		out.Err = err
	case apiErr.AlreadyExists():
		// Two creates raced for the same vmid; a retry picks a fresh one.
		out = engine.NewTransientError("container id already taken", err).WithCode(engine.ErrCodeConflict)
	case apiErr.StatusCode == http.StatusTooManyRequests:
		out = engine.NewThrottledError("hypervisor rate limited the request", err)
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		out = engine.NewPermanentError("hypervisor denied the request", err).WithCode(engine.ErrCodePermissionDenied)
	case apiErr.StatusCode >= 500:
		out = engine.NewTransientError("hypervisor error", err).WithCode(engine.ErrCodeUnavailable)
	case apiErr.StatusCode == http.StatusBadRequest:
		out = engine.NewPermanentError("hypervisor rejected the request", err).WithCode(engine.ErrCodeValidation)
	default:
		out = engine.NewPermanentError("hypervisor request failed", err).WithCode(engine.ErrCodeAdapterFailed)
	}
	return out.WithResource(node.String()).WithOperation(op).WithDetail("http_status", apiErr.StatusCode)
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.NotFound()
}

func validationError(format string, args ...interface{}) *engine.EngineError {
	return engine.NewPermanentError(fmt.Sprintf(format, args...), nil).WithCode(engine.ErrCodeValidation)
}

// formatIdentifier encodes the hypervisor node and vmid as "pve1/105".
func formatIdentifier(node string, vmid int) string {
	return node + "/" + strconv.Itoa(vmid)
}

func parseIdentifier(id string) (string, int, error) {
	node, raw, ok := strings.Cut(id, "/")
	if !ok || node == "" {
		return "", 0, validationError("malformed container identifier %q", id)
	}
	vmid, err := strconv.Atoi(raw)
	if err != nil || vmid <= 0 {
		return "", 0, validationError("malformed container identifier %q", id)
	}
	return node, vmid, nil
}

// parseNet splits a netN value such as "name=eth0,bridge=vmbr0,ip=10.0.0.5/24".
func parseNet(v string) map[string]string {
	out := make(map[string]string)
	for _, field := range strings.Split(v, ",") {
		if key, val, ok := strings.Cut(field, "="); ok {
			out[key] = val
		}
	}
	return out
}

// ownerTags returns the tags marking a container as the node's. Proxmox tags
// are lower case and limited to [a-z0-9_+.-].
func ownerTags(deployment string, node engine.NodeID) []string {
	return []string{
		"straddle",
		"straddle-" + tagSafe(deployment),
		"node-" + tagSafe(node.String()),
	}
}

func tagSafe(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-', r == '+', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func hasTags(list string, want []string) bool {
	have := make(map[string]bool)
	for _, t := range strings.FieldsFunc(list, func(r rune) bool { return r == ';' || r == ',' || r == ' ' }) {
		have[t] = true
	}
	for _, t := range want {
		if !have[t] {
			return false
		}
	}
	return true
}
