package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PlanEntry describes what would happen to one node.
type PlanEntry struct {
	Node       NodeID            `json:"node"`
	Target     EnvironmentTarget `json:"target"`
	Action     Action            `json:"action"`
	Reason     string            `json:"reason"`
	Identifier string            `json:"identifier,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`
	Bootstrap  int               `json:"bootstrap_steps,omitempty"`
}

// PlanSummary counts entries by action.
type PlanSummary struct {
	Create int `json:"create"`
	Update int `json:"update"`
	Noop   int `json:"noop"`
	Delete int `json:"delete"`
}

// Plan is the side-effect-free preview of an apply.
type Plan struct {
	ID         string      `json:"id"`
	Deployment string      `json:"deployment"`
	CreatedAt  time.Time   `json:"created_at"`
	Entries    []PlanEntry `json:"entries"`
	Summary    PlanSummary `json:"summary"`
}

// Actions returns the planned action per node.
func (p *Plan) Actions() map[NodeID]Action {
	actions := make(map[NodeID]Action, len(p.Entries))
	for _, entry := range p.Entries {
		actions[entry.Node] = entry.Action
	}
	return actions
}

// HasChanges reports whether applying the plan would change anything.
func (p *Plan) HasChanges() bool {
	return p.Summary.Create+p.Summary.Update+p.Summary.Delete > 0
}

// Planner computes plans. It only reads: the state store and adapter Read calls.
type Planner struct {
	adapters   Adapters
	store      StateStore
	deployment string
	logger     zerolog.Logger
}

// NewPlanner creates a new planner. A nil store plans every node as a create.
func NewPlanner(adapters Adapters, store StateStore, deployment string, logger zerolog.Logger) *Planner {
	return &Planner{
		adapters:   adapters,
		store:      store,
		deployment: deployment,
		logger:     logger.With().Str("component", "planner").Logger(),
	}
}

// Plan computes the action for every node in g and a delete for every
// recorded node that is no longer declared.
func (p *Planner) Plan(ctx context.Context, g *Graph) (*Plan, error) {
	plan := &Plan{
		ID:         uuid.New().String(),
		Deployment: p.deployment,
		CreatedAt:  time.Now(),
		Entries:    make([]PlanEntry, 0, g.Len()),
	}

	for _, id := range g.Order {
		node := g.Nodes[id]
		entry, err := p.planNode(ctx, node)
		if err != nil {
			return nil, err
		}
		plan.Entries = append(plan.Entries, entry)
	}

	if p.store != nil {
		records, err := p.store.ListState(ctx, p.deployment)
		if err != nil {
			return nil, fmt.Errorf("failed to list state: %w", err)
		}
		sort.Slice(records, func(i, j int) bool { return records[i].Node.String() < records[j].Node.String() })
		for _, rec := range records {
			if _, declared := g.Nodes[rec.Node]; declared {
				continue
			}
			plan.Entries = append(plan.Entries, PlanEntry{
				Node:       rec.Node,
				Target:     rec.Target,
				Action:     ActionDelete,
				Reason:     "recorded but no longer declared",
				Identifier: rec.Identifier,
			})
		}
	}

	for _, entry := range plan.Entries {
		switch entry.Action {
		case ActionCreate:
			plan.Summary.Create++
		case ActionUpdate:
			plan.Summary.Update++
		case ActionNoop:
			plan.Summary.Noop++
		case ActionDelete:
			plan.Summary.Delete++
		}
	}

	p.logger.Debug().
		Int("create", plan.Summary.Create).
		Int("update", plan.Summary.Update).
		Int("noop", plan.Summary.Noop).
		Int("delete", plan.Summary.Delete).
		Msg("Plan computed")

	return plan, nil
}

func (p *Planner) planNode(ctx context.Context, node *ResourceNode) (PlanEntry, error) {
	entry := PlanEntry{
		Node:   node.ID,
		Target: node.Target,
		Inputs: make(map[string]string, len(node.Inputs)),
	}
	for k, v := range node.Inputs {
		entry.Inputs[k] = v.String()
	}
	if node.Bootstrap != nil {
		entry.Bootstrap = len(node.Bootstrap.Steps)
	}

	if p.store == nil {
		entry.Action = ActionCreate
		entry.Reason = "no state store configured"
		return entry, nil
	}

	rec, err := p.store.GetState(ctx, p.deployment, node.ID)
	if err != nil {
		return entry, fmt.Errorf("failed to read state for %s: %w", node.ID, err)
	}
	if rec == nil {
		entry.Action = ActionCreate
		entry.Reason = "not yet created"
		return entry, nil
	}
	entry.Identifier = rec.Identifier

	adapter, err := p.adapters.For(node.Target)
	if err != nil {
		return entry, err
	}
	_, err = adapter.Read(ctx, &ReadRequest{
		Deployment: p.deployment,
		Node:       node.ID,
		Target:     node.Target,
		Credential: node.Credential,
		Identifier: rec.Identifier,
	})
	switch {
	case IsNotFound(err):
		entry.Action = ActionCreate
		entry.Reason = fmt.Sprintf("recorded resource %s no longer exists", rec.Identifier)
		return entry, nil
	case err != nil:
		return entry, fmt.Errorf("failed to read %s: %w", node.ID, err)
	}

	if rec.InputHash != InputHash(node) {
		entry.Action = ActionUpdate
		entry.Reason = "declared inputs changed"
		return entry, nil
	}

	entry.Action = ActionNoop
	entry.Reason = "exists with declared inputs"
	return entry, nil
}
