package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// mockAdapter simulates a remote API. Resources are keyed by node identity,
// so re-applying an existing node adopts it instead of creating a new one.
type mockAdapter struct {
	mu sync.Mutex

	// resources maps node identity to the simulated remote resource
	resources map[NodeID]Attributes

	// failPermanent lists nodes whose Apply always fails permanently
	failPermanent map[NodeID]bool

	// transientFailures counts remaining transient failures per node
	transientFailures map[NodeID]int

	// failDestroy lists nodes whose Destroy fails permanently
	failDestroy map[NodeID]bool

	// applyDelay simulates latency
	applyDelay time.Duration

	// onApply is invoked at the start of every Apply call
	onApply func(req *ApplyRequest)

	// extra attributes reported by a node on create
	extra map[NodeID]Attributes

	applyCalls   []NodeID
	readCalls    []NodeID
	destroyCalls []NodeID
	creates      int
	inFlight     int
	maxInFlight  int
	seenInputs   map[NodeID]map[string]interface{}
	nextID       int
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		resources:         make(map[NodeID]Attributes),
		failPermanent:     make(map[NodeID]bool),
		transientFailures: make(map[NodeID]int),
		failDestroy:       make(map[NodeID]bool),
		seenInputs:        make(map[NodeID]map[string]interface{}),
		extra:             make(map[NodeID]Attributes),
	}
}

func (m *mockAdapter) Apply(ctx context.Context, req *ApplyRequest) (Attributes, error) {
	if m.onApply != nil {
		m.onApply(req)
	}

	m.mu.Lock()
	m.applyCalls = append(m.applyCalls, req.Node)
	m.seenInputs[req.Node] = req.Inputs
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	delay := m.applyDelay
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPermanent[req.Node] {
		return nil, NewPermanentError("invalid parameter", nil).WithCode(ErrCodeValidation)
	}
	if m.transientFailures[req.Node] > 0 {
		m.transientFailures[req.Node]--
		return nil, NewTransientError("service unavailable", nil).WithCode(ErrCodeUnavailable)
	}

	if existing, ok := m.resources[req.Node]; ok {
		return existing.Clone(), nil
	}

	m.nextID++
	m.creates++
	attrs := Attributes{
		AttrID: fmt.Sprintf("%s-%d", req.Node.Type, m.nextID),
		"name": req.Node.Name,
	}
	for k, v := range req.Inputs {
		attrs["in_"+k] = v
	}
	for k, v := range m.extra[req.Node] {
		attrs[k] = v
	}
	m.resources[req.Node] = attrs
	return attrs.Clone(), nil
}

func (m *mockAdapter) Read(ctx context.Context, req *ReadRequest) (Attributes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls = append(m.readCalls, req.Node)
	attrs, ok := m.resources[req.Node]
	if !ok || attrs.ID() != req.Identifier {
		return nil, NewNotFoundError(fmt.Sprintf("%s not found", req.Identifier))
	}
	return attrs.Clone(), nil
}

func (m *mockAdapter) Destroy(ctx context.Context, req *DestroyRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyCalls = append(m.destroyCalls, req.Node)
	if m.failDestroy[req.Node] {
		return NewPermanentError("resource in use", nil).WithCode(ErrCodeConflict)
	}
	delete(m.resources, req.Node)
	return nil
}

func (m *mockAdapter) Outputs(resourceType string) ([]string, bool) {
	switch resourceType {
	case "vpc":
		return []string{"id", "name", "public_subnet_id"}, true
	default:
		return nil, false
	}
}

func (m *mockAdapter) applied() []NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]NodeID(nil), m.applyCalls...)
}

func (m *mockAdapter) appliedCount(id NodeID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, call := range m.applyCalls {
		if call == id {
			n++
		}
	}
	return n
}

// memoryStore is an in-memory StateStore.
type memoryStore struct {
	mu      sync.Mutex
	records map[string]*StateRecord

	// failDelete lists nodes whose record cannot be deleted
	failDelete map[NodeID]bool

	// onPut, when set, can reject a write
	onPut func(record *StateRecord) error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]*StateRecord)}
}

func (s *memoryStore) key(deployment string, id NodeID) string {
	return deployment + "/" + id.String()
}

func (s *memoryStore) GetState(ctx context.Context, deployment string, node NodeID) (*StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[s.key(deployment, node)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *memoryStore) PutState(ctx context.Context, record *StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onPut != nil {
		if err := s.onPut(record); err != nil {
			return err
		}
	}
	cp := *record
	s.records[s.key(record.Deployment, record.Node)] = &cp
	return nil
}

func (s *memoryStore) DeleteState(ctx context.Context, deployment string, node NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDelete[node] {
		return fmt.Errorf("database is locked")
	}
	delete(s.records, s.key(deployment, node))
	return nil
}

func (s *memoryStore) ListState(ctx context.Context, deployment string) ([]*StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*StateRecord, 0)
	for _, rec := range s.records {
		if rec.Deployment == deployment {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// mockRunner records bootstrap requests.
type mockRunner struct {
	mu        sync.Mutex
	requests  []*BootstrapRequest
	notReady  int
	failNodes map[NodeID]bool
}

func newMockRunner() *mockRunner {
	return &mockRunner{failNodes: make(map[NodeID]bool)}
}

func (r *mockRunner) Run(ctx context.Context, req *BootstrapRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if r.notReady > 0 {
		r.notReady--
		return NewTransientError("host not reachable yet", nil).WithCode(ErrCodeNotReady)
	}
	if r.failNodes[req.Node] {
		return NewPermanentError("step failed", nil).WithCode(ErrCodeBootstrapFailed)
	}
	return nil
}

// mockEventPublisher collects events.
type mockEventPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockEventPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockEventPublisher) count(t EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func nodeID(module, typ, name string) NodeID {
	return NodeID{Module: module, Type: typ, Name: name}
}

func newNode(nid NodeID, target EnvironmentTarget, inputs map[string]Value) *ResourceNode {
	if inputs == nil {
		inputs = map[string]Value{}
	}
	return &ResourceNode{ID: nid, Target: target, Inputs: inputs}
}

func allTargets(a Adapter) Adapters {
	return Adapters{
		TargetCloudNetwork:    a,
		TargetCloudCompute:    a,
		TargetCloudAddress:    a,
		TargetOnPremContainer: a,
	}
}

func indexOf(ids []NodeID, target NodeID) int {
	for i, v := range ids {
		if v == target {
			return i
		}
	}
	return -1
}
