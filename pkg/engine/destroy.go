package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// TeardownState is the outcome of destroying one node.
type TeardownState string

const (
	// TeardownDestroyed means the adapter removed the resource.
	TeardownDestroyed TeardownState = "destroyed"

	// TeardownFailed means the adapter could not remove the resource.
	TeardownFailed TeardownState = "failed"

	// TeardownRetained means the resource was kept because a dependent could not be removed.
	TeardownRetained TeardownState = "retained"

	// TeardownCancelled means the run was cancelled before the node was reached.
	TeardownCancelled TeardownState = "cancelled"
)

// TeardownReport is the outcome for one node of a destroy run.
type TeardownReport struct {
	Node       NodeID            `json:"node"`
	Target     EnvironmentTarget `json:"target"`
	Identifier string            `json:"identifier,omitempty"`
	State      TeardownState     `json:"state"`
	Attempts   int               `json:"attempts"`
	Error      error             `json:"-"`
}

// DestroyResult is the outcome of a destroy run.
type DestroyResult struct {
	RunID   string            `json:"run_id"`
	Status  RunStatus         `json:"status"`
	Nodes   []*TeardownReport `json:"nodes"`
	Elapsed time.Duration     `json:"elapsed"`

	// Err aggregates every per-node failure, or is nil.
	Err error `json:"-"`
}

type teardownItem struct {
	id         NodeID
	target     EnvironmentTarget
	credential string
	record     *StateRecord
}

// Destroy removes every resource of the deployment in reverse dependency
// order. Recorded resources that are no longer declared go first. Teardown
// is best-effort: a failure does not stop unrelated nodes, but the producers
// of a node that could not be removed are retained.
func (e *Executor) Destroy(ctx context.Context, g *Graph) (*DestroyResult, error) {
	if g == nil {
		return nil, NewPermanentError("graph is nil", nil).WithCode(ErrCodeValidation)
	}

	started := time.Now()
	runID := uuid.New().String()
	logger := e.logger.With().Str("run_id", runID).Str("operation", "destroy").Logger()

	records := make(map[NodeID]*StateRecord)
	if e.store != nil {
		list, err := e.store.ListState(ctx, e.opts.Deployment)
		if err != nil {
			return nil, fmt.Errorf("failed to list state: %w", err)
		}
		for _, rec := range list {
			records[rec.Node] = rec
		}
	}

	items := make([]teardownItem, 0, len(records)+g.Len())

	orphans := make([]NodeID, 0)
	for id := range records {
		if _, declared := g.Nodes[id]; !declared {
			orphans = append(orphans, id)
		}
	}
	SortNodeIDs(orphans)
	for _, id := range orphans {
		rec := records[id]
		items = append(items, teardownItem{id: id, target: rec.Target, credential: rec.Credential, record: rec})
	}
	for i := len(g.Order) - 1; i >= 0; i-- {
		id := g.Order[i]
		node := g.Nodes[id]
		items = append(items, teardownItem{id: id, target: node.Target, credential: node.Credential, record: records[id]})
	}

	logger.Info().Int("nodes", len(items)).Msg("Destroy started")
	e.publishEvent(ctx, runID, "", EventTypeRunStarted, "Destroy started", "info", nil)

	result := &DestroyResult{RunID: runID}
	outcome := make(map[NodeID]TeardownState, len(items))
	var errs *multierror.Error

	for _, item := range items {
		report := &TeardownReport{Node: item.id, Target: item.target}
		if item.record != nil {
			report.Identifier = item.record.Identifier
		}
		result.Nodes = append(result.Nodes, report)

		if ctx.Err() != nil {
			report.State = TeardownCancelled
			outcome[item.id] = report.State
			continue
		}

		if blocker, blocked := e.keptDependent(g, item.id, outcome); blocked {
			report.State = TeardownRetained
			report.Error = NewPermanentError(fmt.Sprintf("dependent %s was not removed", blocker), nil).
				WithCode(ErrCodeDependencyFailed).WithResource(item.id.String())
			outcome[item.id] = report.State
			logger.Warn().Str("node", item.id.String()).Str("dependent", blocker.String()).Msg("Retaining node")
			continue
		}

		adapter, err := e.adapters.For(item.target)
		if err != nil {
			report.State = TeardownFailed
			report.Error = err
			outcome[item.id] = report.State
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", item.id, err))
			continue
		}

		req := &DestroyRequest{
			Deployment: e.opts.Deployment,
			Node:       item.id,
			Target:     item.target,
			Credential: item.credential,
		}
		if item.record != nil {
			req.Identifier = item.record.Identifier
			req.Attributes = item.record.Attributes
		}

		node := &ResourceNode{ID: item.id, Target: item.target}
		attempts, err := e.withRetry(ctx, runID, node, "destroy", e.opts.CallTimeout, func(callCtx context.Context) error {
			callStart := time.Now()
			destroyErr := adapter.Destroy(callCtx, req)
			if e.recorder != nil {
				e.recorder.RecordAdapterCall(string(item.target), "destroy", time.Since(callStart), destroyErr)
			}
			return destroyErr
		})
		report.Attempts = attempts
		if err != nil {
			report.State = TeardownFailed
			report.Error = err
			outcome[item.id] = report.State
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", item.id, err))
			logger.Error().Err(err).Str("node", item.id.String()).Msg("Destroy failed")
			continue
		}

		if e.store != nil {
			if err := e.store.DeleteState(context.WithoutCancel(ctx), e.opts.Deployment, item.id); err != nil {
				report.State = TeardownFailed
				report.Error = NewPermanentError("failed to delete state record", err).
					WithCode(ErrCodeInternal).WithResource(item.id.String())
				outcome[item.id] = report.State
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", item.id, report.Error))
				logger.Error().Err(err).Str("node", item.id.String()).Msg("Failed to delete state record")
				continue
			}
		}
		report.State = TeardownDestroyed
		outcome[item.id] = report.State
		logger.Info().Str("node", item.id.String()).Str("identifier", report.Identifier).Msg("Node destroyed")
		e.publishEvent(ctx, runID, item.id.String(), EventTypeNodeDestroyed,
			fmt.Sprintf("%s destroyed", item.id), "info", nil)
	}

	result.Elapsed = time.Since(started)
	result.Err = errs.ErrorOrNil()
	result.Status = RunStatusSucceeded
	for _, report := range result.Nodes {
		if report.State == TeardownCancelled {
			result.Status = RunStatusCancelled
			break
		}
		if report.State != TeardownDestroyed {
			result.Status = RunStatusPartial
		}
	}

	if e.recorder != nil {
		e.recorder.RecordRunCompleted(string(result.Status), result.Elapsed)
	}
	logger.Info().Str("status", string(result.Status)).Dur("duration", result.Elapsed).Msg("Destroy completed")
	e.publishEvent(ctx, runID, "", EventTypeRunCompleted,
		fmt.Sprintf("Destroy completed with status: %s", result.Status), levelFor(result.Status), nil)

	return result, nil
}

// keptDependent returns a direct dependent of id that was not removed.
func (e *Executor) keptDependent(g *Graph, id NodeID, outcome map[NodeID]TeardownState) (NodeID, bool) {
	deps := append([]NodeID(nil), g.Dependents(id)...)
	sort.Slice(deps, func(i, j int) bool { return deps[i].String() < deps[j].String() })
	for _, dep := range deps {
		state, seen := outcome[dep]
		if seen && state != TeardownDestroyed {
			return dep, true
		}
	}
	return NodeID{}, false
}
