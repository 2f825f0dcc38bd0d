package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/straddle/pkg/engine"

// Options configures an Executor.
type Options struct {
	// Deployment scopes state records and adapter discovery tags.
	Deployment string

	// Concurrency bounds the number of nodes in flight (k).
	Concurrency int

	// MaxRetries bounds retries of a transient failure per phase.
	MaxRetries int

	// BaseBackoff is the delay before the first retry; it doubles per attempt.
	BaseBackoff time.Duration

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration

	// CallTimeout bounds each adapter call. Zero disables the timeout.
	CallTimeout time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Deployment:  "default",
		Concurrency: 10,
		MaxRetries:  3,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
		CallTimeout: 5 * time.Minute,
	}
}

// Option configures optional Executor collaborators.
type Option func(*Executor)

// WithBootstrapRunner sets the runner used for nodes that declare a BootstrapSpec.
func WithBootstrapRunner(r BootstrapRunner) Option {
	return func(e *Executor) { e.runner = r }
}

// WithStateStore sets the store where node identifiers and attributes are persisted.
func WithStateStore(s StateStore) Option {
	return func(e *Executor) { e.store = s }
}

// WithEventPublisher sets the publisher receiving execution events.
func WithEventPublisher(p EventPublisher) Option {
	return func(e *Executor) { e.events = p }
}

// WithRecorder sets the recorder receiving execution measurements.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) { e.logger = logger.With().Str("component", "executor").Logger() }
}

// Executor applies a Graph against the registered adapters.
// Nodes are dispatched from a ready queue to at most Concurrency workers;
// a node becomes ready for dispatch once every producer is ready.
type Executor struct {
	opts     Options
	adapters Adapters
	runner   BootstrapRunner
	store    StateStore
	events   EventPublisher
	recorder Recorder
	logger   zerolog.Logger
	tracer   trace.Tracer

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates a new executor.
func NewExecutor(adapters Adapters, opts Options, options ...Option) *Executor {
	defaults := DefaultOptions()
	if opts.Deployment == "" {
		opts.Deployment = defaults.Deployment
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaults.Concurrency
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaults.BaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaults.MaxBackoff
	}

	e := &Executor{
		opts:     opts,
		adapters: adapters,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
		sleep:    sleepContext,
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// NodeReport is the terminal outcome of one node.
type NodeReport struct {
	Node     NodeID            `json:"node"`
	Target   EnvironmentTarget `json:"target"`
	State    NodeState         `json:"state"`
	Attempts int               `json:"attempts"`
	Error    error             `json:"-"`
	Causes   []string          `json:"causes,omitempty"`
	Outputs  Attributes        `json:"outputs,omitempty"`
	Duration time.Duration     `json:"duration"`
}

// RunSummary counts nodes by terminal state.
type RunSummary struct {
	Total     int `json:"total"`
	Ready     int `json:"ready"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Cancelled int `json:"cancelled"`
}

// Result is the outcome of an Execute call.
type Result struct {
	RunID       string           `json:"run_id"`
	Deployment  string           `json:"deployment"`
	Status      RunStatus        `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	Summary     RunSummary       `json:"summary"`
	Nodes       []*NodeReport    `json:"nodes"`
	Outputs     []RenderedOutput `json:"outputs"`
}

// Report returns the report for a node.
func (r *Result) Report(id NodeID) (*NodeReport, bool) {
	for _, n := range r.Nodes {
		if n.Node == id {
			return n, true
		}
	}
	return nil, false
}

// run is the mutable state of one execution. mu guards every field below it
// and every node's State and Outputs.
type run struct {
	id    string
	graph *Graph

	mu         sync.Mutex
	remaining  map[NodeID]int
	reports    map[NodeID]*NodeReport
	unfinished int
	queue      chan NodeID
	closed     bool
}

// Execute applies every node of the graph. It returns an error only when the
// graph cannot be executed at all; per-node failures are reported in Result.
func (e *Executor) Execute(ctx context.Context, g *Graph) (*Result, error) {
	if g == nil {
		return nil, NewPermanentError("graph is nil", nil).WithCode(ErrCodeValidation)
	}
	for _, id := range g.Order {
		if _, err := e.adapters.For(g.Nodes[id].Target); err != nil {
			return nil, err.(*EngineError).WithResource(id.String())
		}
		if g.Nodes[id].Bootstrap != nil && e.runner == nil {
			return nil, NewPermanentError("node declares bootstrap steps but no runner is configured", nil).
				WithCode(ErrCodeValidation).WithResource(id.String())
		}
	}

	r := &run{
		id:         uuid.New().String(),
		graph:      g,
		remaining:  make(map[NodeID]int, g.Len()),
		reports:    make(map[NodeID]*NodeReport, g.Len()),
		unfinished: g.Len(),
		queue:      make(chan NodeID, g.Len()),
	}
	result := &Result{
		RunID:      r.id,
		Deployment: e.opts.Deployment,
		Status:     RunStatusRunning,
		StartedAt:  time.Now(),
	}

	ctx, span := e.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.String("run.id", r.id),
		attribute.String("deployment", e.opts.Deployment),
		attribute.Int("nodes", g.Len()),
	))
	defer span.End()

	logger := e.logger.With().Str("run_id", r.id).Logger()
	logger.Info().Int("nodes", g.Len()).Int("concurrency", e.opts.Concurrency).Msg("Run started")
	e.publishEvent(ctx, r.id, "", EventTypeRunStarted, "Run started", "info", nil)

	for _, id := range g.Order {
		node := g.Nodes[id]
		node.State = NodeStatePending
		node.Outputs = nil
		r.remaining[id] = len(g.Dependencies(id))
		r.reports[id] = &NodeReport{Node: id, Target: node.Target, State: NodeStatePending}
	}
	if g.Len() == 0 {
		close(r.queue)
		r.closed = true
	}
	for _, id := range g.Roots() {
		r.queue <- id
	}

	workers := e.opts.Concurrency
	if workers > g.Len() {
		workers = g.Len()
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range r.queue {
				if ctx.Err() != nil {
					e.finish(ctx, r, id, NodeStateCancelled, nil, 0,
						&EngineError{Class: ErrorClassCancelled, Message: "run cancelled before node started", Err: ctx.Err()})
					continue
				}
				e.runNode(ctx, r, id)
			}
		}()
	}
	wg.Wait()

	result.CompletedAt = time.Now()
	for _, id := range g.Order {
		report := r.reports[id]
		result.Nodes = append(result.Nodes, report)
		result.Summary.Total++
		switch report.State {
		case NodeStateReady:
			result.Summary.Ready++
		case NodeStateFailed:
			result.Summary.Failed++
		case NodeStateBlocked:
			result.Summary.Blocked++
		case NodeStateCancelled:
			result.Summary.Cancelled++
		}
	}

	switch {
	case result.Summary.Ready == result.Summary.Total:
		result.Status = RunStatusSucceeded
	case result.Summary.Cancelled > 0:
		result.Status = RunStatusCancelled
	default:
		result.Status = RunStatusPartial
	}
	result.Outputs = AggregateOutputs(g)

	duration := result.CompletedAt.Sub(result.StartedAt)
	if e.recorder != nil {
		e.recorder.RecordRunCompleted(string(result.Status), duration)
	}
	span.SetAttributes(attribute.String("run.status", string(result.Status)))
	if result.Status != RunStatusSucceeded {
		span.SetStatus(codes.Error, string(result.Status))
	}

	logger.Info().
		Str("status", string(result.Status)).
		Int("ready", result.Summary.Ready).
		Int("failed", result.Summary.Failed).
		Int("blocked", result.Summary.Blocked).
		Int("cancelled", result.Summary.Cancelled).
		Dur("duration", duration).
		Msg("Run completed")
	e.publishEvent(ctx, r.id, "", EventTypeRunCompleted,
		fmt.Sprintf("Run completed with status: %s", result.Status), levelFor(result.Status), nil)

	return result, nil
}

// runNode drives one node through resolving, applying and bootstrap.
func (e *Executor) runNode(ctx context.Context, r *run, id NodeID) {
	started := time.Now()
	node := r.graph.Nodes[id]
	logger := e.logger.With().Str("run_id", r.id).Str("node", id.String()).Logger()

	ctx, span := e.tracer.Start(ctx, "node.apply", trace.WithAttributes(
		attribute.String("node.id", id.String()),
		attribute.String("node.target", string(node.Target)),
	))
	defer span.End()

	e.transition(ctx, r, id, NodeStateResolving)
	inputs, err := ResolveInputs(node, r.outputsOf)
	if err != nil {
		e.fail(ctx, r, id, started, 0, NewPermanentError("input resolution failed", err).
			WithCode(ErrCodeValidation).WithResource(id.String()), span)
		return
	}

	var prior *StateRecord
	if e.store != nil {
		prior, err = e.store.GetState(ctx, e.opts.Deployment, id)
		if err != nil {
			e.fail(ctx, r, id, started, 0, NewPermanentError("state lookup failed", err).
				WithCode(ErrCodeInternal).WithResource(id.String()), span)
			return
		}
	}

	adapter, _ := e.adapters.For(node.Target)
	req := &ApplyRequest{
		Deployment: e.opts.Deployment,
		Node:       id,
		Target:     node.Target,
		Credential: node.Credential,
		Inputs:     inputs,
	}
	if prior != nil {
		req.Identifier = prior.Identifier
	}

	e.transition(ctx, r, id, NodeStateApplying)
	logger.Debug().Str("identifier", req.Identifier).Msg("Applying node")

	var attrs Attributes
	attempts, err := e.withRetry(ctx, r.id, node, "apply", e.opts.CallTimeout, func(callCtx context.Context) error {
		callStart := time.Now()
		out, applyErr := adapter.Apply(callCtx, req)
		if e.recorder != nil {
			e.recorder.RecordAdapterCall(string(node.Target), "apply", time.Since(callStart), applyErr)
		}
		if applyErr == nil {
			attrs = out
		}
		return applyErr
	})
	if err != nil {
		e.fail(ctx, r, id, started, attempts, err, span)
		return
	}
	if attrs == nil {
		attrs = Attributes{}
	}

	// The resource exists from here on; record it before bootstrap so a
	// failed bootstrap does not orphan it.
	if err := e.persist(ctx, node, attrs); err != nil {
		e.fail(ctx, r, id, started, attempts, NewPermanentError("state persistence failed", err).
			WithCode(ErrCodeInternal).WithResource(id.String()), span)
		return
	}

	if node.Bootstrap != nil {
		bootAttempts, bootErr := e.bootstrap(ctx, r, node, adapter, &attrs)
		attempts += bootAttempts
		if bootErr != nil {
			e.fail(ctx, r, id, started, attempts, bootErr, span)
			return
		}
	}

	logger.Info().Str("identifier", attrs.ID()).Int("attempts", attempts).Msg("Node ready")
	span.SetStatus(codes.Ok, "")
	e.finish(ctx, r, id, NodeStateReady, attrs, attempts, nil)
	if e.recorder != nil {
		e.recorder.RecordNodeCompleted(string(node.Target), string(NodeStateReady), time.Since(started))
	}
	r.setDuration(id, time.Since(started))
}

// bootstrap runs the node's remote steps. Retries refresh the node's
// attributes through the adapter so the readiness predicate sees current state.
func (e *Executor) bootstrap(ctx context.Context, r *run, node *ResourceNode, adapter Adapter, attrs *Attributes) (int, error) {
	started := time.Now()
	spec := node.Bootstrap

	lookup := func(id NodeID) (Attributes, bool) {
		if id == node.ID {
			return *attrs, true
		}
		return r.outputsOf(id)
	}

	attempt := 0
	attempts, err := e.withRetry(ctx, r.id, node, "bootstrap", 0, func(callCtx context.Context) error {
		if attempt > 0 {
			fresh, readErr := adapter.Read(callCtx, &ReadRequest{
				Deployment: e.opts.Deployment,
				Node:       node.ID,
				Target:     node.Target,
				Credential: node.Credential,
				Identifier: attrs.ID(),
			})
			if readErr != nil {
				return readErr
			}
			*attrs = fresh
		}
		attempt++

		host, hostErr := ResolveValue(spec.Connection.Host, lookup)
		if hostErr != nil {
			return NewTransientError("bootstrap host not resolvable yet", hostErr).WithCode(ErrCodeNotReady)
		}
		hostStr := fmt.Sprint(host)
		if hostStr == "" {
			return NewTransientError("bootstrap host is empty", nil).WithCode(ErrCodeNotReady)
		}

		return e.runner.Run(callCtx, &BootstrapRequest{
			Node:    node.ID,
			Spec:    spec,
			Host:    hostStr,
			Outputs: attrs.Clone(),
		})
	})

	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	if e.recorder != nil {
		e.recorder.RecordBootstrap(status, time.Since(started))
	}
	if err == nil {
		if persistErr := e.persist(ctx, node, *attrs); persistErr != nil {
			e.logger.Warn().Err(persistErr).
				Str("run_id", r.id).
				Str("node", node.ID.String()).
				Msg("Failed to record attributes refreshed by bootstrap")
		}
	}
	return attempts, err
}

// withRetry runs call until it succeeds, fails permanently, or exhausts
// MaxRetries. In-flight calls are detached from run cancellation so they can
// complete; cancellation only prevents further attempts.
func (e *Executor) withRetry(
	ctx context.Context,
	runID string,
	node *ResourceNode,
	phase string,
	timeout time.Duration,
	call func(context.Context) error,
) (int, error) {
	attempt := 0
	for {
		attempt++

		callCtx := context.WithoutCancel(ctx)
		cancel := func() {}
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(callCtx, timeout)
		}
		err := call(callCtx)
		cancel()

		if err == nil {
			return attempt, nil
		}

		classified := Classify(err, phase)
		if classified.Resource == "" {
			classified.Resource = node.ID.String()
		}
		if !IsRetryable(classified) {
			classified.Attempts = attempt
			return attempt, classified
		}

		if attempt > e.opts.MaxRetries {
			return attempt, &EngineError{
				Class:     ErrorClassPermanent,
				Message:   fmt.Sprintf("%s failed after %d attempts", phase, attempt),
				Code:      ErrCodeRetriesExhausted,
				Resource:  node.ID.String(),
				Operation: phase,
				Attempts:  attempt,
				Err:       classified,
			}
		}

		if ctx.Err() != nil {
			return attempt, &EngineError{
				Class:     ErrorClassCancelled,
				Message:   "run cancelled during retry",
				Resource:  node.ID.String(),
				Operation: phase,
				Attempts:  attempt,
				Err:       classified,
			}
		}

		delay := e.calculateBackoff(attempt-1, classified)
		if e.recorder != nil {
			e.recorder.RecordRetry(string(node.Target), phase, string(classified.Class))
		}
		e.logger.Warn().
			Str("run_id", runID).
			Str("node", node.ID.String()).
			Str("phase", phase).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(classified).
			Msg("Retrying after transient failure")
		e.publishEvent(ctx, runID, node.ID.String(), EventTypeNodeRetry,
			fmt.Sprintf("Retrying %s after failure (attempt %d/%d)", phase, attempt, e.opts.MaxRetries+1),
			"warning", map[string]interface{}{"class": string(classified.Class), "backoff": delay.String()})

		if err := e.sleep(ctx, delay); err != nil {
			return attempt, &EngineError{
				Class:     ErrorClassCancelled,
				Message:   "run cancelled during retry backoff",
				Resource:  node.ID.String(),
				Operation: phase,
				Attempts:  attempt,
				Err:       classified,
			}
		}
	}
}

// calculateBackoff returns BaseBackoff * 2^attempt, capped at MaxBackoff, plus
// up to 25% jitter. Throttled errors start from a five times longer base.
func (e *Executor) calculateBackoff(attempt int, err error) time.Duration {
	base := e.opts.BaseBackoff
	if IsThrottled(err) {
		base *= 5
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > e.opts.MaxBackoff || delay <= 0 {
		delay = e.opts.MaxBackoff
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

func (e *Executor) persist(ctx context.Context, node *ResourceNode, attrs Attributes) error {
	if e.store == nil {
		return nil
	}
	return e.store.PutState(context.WithoutCancel(ctx), &StateRecord{
		Deployment: e.opts.Deployment,
		Node:       node.ID,
		Target:     node.Target,
		Credential: node.Credential,
		Identifier: attrs.ID(),
		Attributes: attrs,
		InputHash:  InputHash(node),
		UpdatedAt:  time.Now().UTC(),
	})
}

// fail marks a node failed (or cancelled) and blocks its descendants.
func (e *Executor) fail(ctx context.Context, r *run, id NodeID, started time.Time, attempts int, err error, span trace.Span) {
	state := NodeStateFailed
	if IsCancelled(err) {
		state = NodeStateCancelled
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	e.logger.Error().
		Str("run_id", r.id).
		Str("node", id.String()).
		Str("state", string(state)).
		Int("attempts", attempts).
		Err(err).
		Msg("Node did not complete")

	e.finish(ctx, r, id, state, nil, attempts, err)
	if e.recorder != nil {
		e.recorder.RecordNodeCompleted(string(r.graph.Nodes[id].Target), string(state), time.Since(started))
	}
	r.setDuration(id, time.Since(started))
}

// finish records a terminal state and propagates it: ready nodes release
// dependents whose producers are all ready; failed or cancelled nodes
// terminate their descendants as blocked or cancelled.
func (e *Executor) finish(ctx context.Context, r *run, id NodeID, state NodeState, outputs Attributes, attempts int, err error) {
	var released, terminated []NodeID
	descendantState := NodeStateBlocked
	if state == NodeStateCancelled {
		descendantState = NodeStateCancelled
	}

	r.mu.Lock()
	node := r.graph.Nodes[id]
	node.State = state
	node.Outputs = outputs

	report := r.reports[id]
	report.State = state
	report.Attempts = attempts
	report.Outputs = outputs
	report.Error = err
	report.Causes = CauseChain(err)
	r.unfinished--

	if state == NodeStateReady {
		for _, dep := range r.graph.Dependents(id) {
			r.remaining[dep]--
			if r.remaining[dep] == 0 && r.graph.Nodes[dep].State == NodeStatePending {
				released = append(released, dep)
			}
		}
	} else {
		for _, desc := range r.graph.Descendants(id) {
			dn := r.graph.Nodes[desc]
			if dn.State.IsTerminal() {
				continue
			}
			dn.State = descendantState
			dr := r.reports[desc]
			dr.State = descendantState
			dr.Error = NewPermanentError(fmt.Sprintf("producer %s is %s", id, state), err).
				WithCode(ErrCodeDependencyFailed).WithResource(desc.String())
			dr.Causes = CauseChain(dr.Error)
			r.unfinished--
			terminated = append(terminated, desc)
		}
	}

	for _, dep := range released {
		r.queue <- dep
	}
	if r.unfinished == 0 && !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	e.publishEvent(ctx, r.id, id.String(), EventTypeNodeStateChanged,
		fmt.Sprintf("%s is %s", id, state), levelForState(state), map[string]interface{}{"state": string(state)})
	for _, desc := range terminated {
		e.publishEvent(ctx, r.id, desc.String(), EventTypeNodeStateChanged,
			fmt.Sprintf("%s is %s because %s is %s", desc, descendantState, id, state), "warning",
			map[string]interface{}{"state": string(descendantState)})
	}
}

func (e *Executor) transition(ctx context.Context, r *run, id NodeID, state NodeState) {
	r.mu.Lock()
	r.graph.Nodes[id].State = state
	r.reports[id].State = state
	r.mu.Unlock()
	e.publishEvent(ctx, r.id, id.String(), EventTypeNodeStateChanged,
		fmt.Sprintf("%s is %s", id, state), "debug", map[string]interface{}{"state": string(state)})
}

// outputsOf returns a producer's outputs if it is ready.
func (r *run) outputsOf(id NodeID) (Attributes, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.graph.Nodes[id]
	if !ok || node.State != NodeStateReady {
		return nil, false
	}
	return node.Outputs, true
}

func (r *run) setDuration(id NodeID, d time.Duration) {
	r.mu.Lock()
	r.reports[id].Duration = d
	r.mu.Unlock()
}

// publishEvent publishes an execution event. Publishing failures never
// affect execution.
func (e *Executor) publishEvent(
	ctx context.Context,
	runID, node string,
	eventType EventType,
	message, level string,
	data map[string]interface{},
) {
	if e.events == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Node:      node,
		Message:   message,
		Level:     level,
		Data:      data,
	}

	if err := e.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Debug().Err(err).Str("event", string(eventType)).Msg("Event not published")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func levelFor(status RunStatus) string {
	if status == RunStatusSucceeded {
		return "info"
	}
	return "error"
}

func levelForState(state NodeState) string {
	switch state {
	case NodeStateReady:
		return "info"
	case NodeStateFailed:
		return "error"
	default:
		return "warning"
	}
}
