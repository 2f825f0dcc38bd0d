package engine

import (
	"errors"
	"strings"
	"testing"
)

func TestGraphBuilder_Build_Empty(t *testing.T) {
	graph, err := NewGraphBuilder(nil).Build(nil, nil)
	if err != nil {
		t.Fatalf("Expected no error for empty graph, got: %v", err)
	}
	if graph.Len() != 0 {
		t.Errorf("Expected 0 nodes, got %d", graph.Len())
	}
	if len(graph.Levels) != 0 {
		t.Errorf("Expected 0 levels, got %d", len(graph.Levels))
	}
}

func TestGraphBuilder_Build_ReferenceEdges(t *testing.T) {
	vpc := nodeID("network", "vpc", "main")
	inst := nodeID("compute", "instance", "web")
	eip := nodeID("address", "eip", "web")
	assoc := nodeID("address", "eip_association", "web")

	nodes := []*ResourceNode{
		newNode(assoc, TargetCloudAddress, map[string]Value{
			"instance_id":   Ref(inst, "id"),
			"allocation_id": Ref(eip, "id"),
		}),
		newNode(inst, TargetCloudCompute, map[string]Value{
			"subnet_id":          Ref(vpc, "public_subnet_id"),
			"security_group_ids": List(Ref(vpc, "id")),
		}),
		newNode(eip, TargetCloudAddress, nil),
		newNode(vpc, TargetCloudNetwork, map[string]Value{"cidr": Lit("10.0.0.0/16")}),
	}

	graph, err := NewGraphBuilder(nil).Build(nodes, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if graph.Len() != 4 {
		t.Fatalf("Expected 4 nodes, got %d", graph.Len())
	}

	// instance -> vpc counted once although referenced twice
	if deps := graph.Dependencies(inst); len(deps) != 1 || deps[0] != vpc {
		t.Errorf("Expected instance to depend only on vpc, got %v", deps)
	}
	if deps := graph.Dependencies(assoc); len(deps) != 2 {
		t.Errorf("Expected association to have 2 producers, got %v", deps)
	}

	order := graph.Order
	if indexOf(order, vpc) > indexOf(order, inst) {
		t.Errorf("vpc must precede instance in %v", order)
	}
	if indexOf(order, inst) > indexOf(order, assoc) || indexOf(order, eip) > indexOf(order, assoc) {
		t.Errorf("instance and eip must precede association in %v", order)
	}

	roots := graph.Roots()
	if len(roots) != 2 {
		t.Errorf("Expected 2 roots (vpc, eip), got %v", roots)
	}

	desc := graph.Descendants(vpc)
	if len(desc) != 2 {
		t.Errorf("Expected vpc to have 2 descendants, got %v", desc)
	}
}

func TestGraphBuilder_Build_InterpolationAndBootstrapEdges(t *testing.T) {
	eip := nodeID("address", "eip_association", "web")
	inst := nodeID("compute", "instance", "web")
	ct := nodeID("onprem", "lxc", "app")

	nodes := []*ResourceNode{
		newNode(eip, TargetCloudAddress, nil),
		{
			ID:     inst,
			Target: TargetCloudCompute,
			Inputs: map[string]Value{},
			Bootstrap: &BootstrapSpec{
				Connection: ConnectionSpec{Host: Ref(eip, "public_ip"), User: "ubuntu"},
				Steps:      []BootstrapStep{{Kind: StepRun, Command: "true"}},
			},
		},
		newNode(ct, TargetOnPremContainer, map[string]Value{
			"description": Interp(Lit("peer of "), Ref(eip, "public_ip")),
		}),
	}

	graph, err := NewGraphBuilder(nil).Build(nodes, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if deps := graph.Dependencies(inst); len(deps) != 1 || deps[0] != eip {
		t.Errorf("Expected bootstrap host reference to create an edge, got %v", deps)
	}
	if deps := graph.Dependencies(ct); len(deps) != 1 || deps[0] != eip {
		t.Errorf("Expected interpolation reference to create an edge, got %v", deps)
	}
}

func TestGraphBuilder_Build_DependsOn(t *testing.T) {
	a := nodeID("m", "lxc", "a")
	b := nodeID("m", "lxc", "b")
	nb := newNode(b, TargetOnPremContainer, nil)
	nb.DependsOn = []NodeID{a}

	graph, err := NewGraphBuilder(nil).Build([]*ResourceNode{nb, newNode(a, TargetOnPremContainer, nil)}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(graph.Levels) != 2 {
		t.Fatalf("Expected 2 levels, got %d", len(graph.Levels))
	}
	if graph.Levels[0][0] != a || graph.Levels[1][0] != b {
		t.Errorf("Unexpected levels: %v", graph.Levels)
	}
	if graph.Edges[0].Kind != EdgeOrder {
		t.Errorf("Expected order edge, got %s", graph.Edges[0].Kind)
	}
}

func TestGraphBuilder_Build_Cycle(t *testing.T) {
	a := nodeID("m", "t", "a")
	b := nodeID("m", "t", "b")
	c := nodeID("m", "t", "c")

	nodes := []*ResourceNode{
		newNode(a, TargetCloudNetwork, map[string]Value{"x": Ref(c, "id")}),
		newNode(b, TargetCloudNetwork, map[string]Value{"x": Ref(a, "id")}),
		newNode(c, TargetCloudNetwork, map[string]Value{"x": Ref(b, "id")}),
	}

	_, err := NewGraphBuilder(nil).Build(nodes, nil)
	if err == nil {
		t.Fatal("Expected cycle error, got nil")
	}
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("Expected CyclicDependency, got: %v", err)
	}

	var gerr *GraphError
	if !errors.As(err, &gerr) {
		t.Fatalf("Expected *GraphError, got %T", err)
	}
	if len(gerr.Cycle) != 4 || gerr.Cycle[0] != gerr.Cycle[3] {
		t.Errorf("Expected closed cycle of 3 nodes, got %v", gerr.Cycle)
	}
	for _, name := range []string{"m.t.a", "m.t.b", "m.t.c"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("Expected cycle message to name %s, got %q", name, err.Error())
		}
	}
}

func TestGraphBuilder_Build_SelfReference(t *testing.T) {
	a := nodeID("m", "t", "a")
	_, err := NewGraphBuilder(nil).Build([]*ResourceNode{
		newNode(a, TargetCloudNetwork, map[string]Value{"x": Ref(a, "id")}),
	}, nil)
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("Expected CyclicDependency, got: %v", err)
	}
}

func TestGraphBuilder_Build_SelfBootstrapHost(t *testing.T) {
	vpc := nodeID("network", "vpc", "main")
	inst := nodeID("compute", "instance", "web")
	ct := nodeID("onprem", "lxc", "db")

	nodes := []*ResourceNode{
		newNode(vpc, TargetCloudNetwork, nil),
		{
			ID:     inst,
			Target: TargetCloudCompute,
			Inputs: map[string]Value{"subnet_id": Ref(vpc, "public_subnet_id")},
			Bootstrap: &BootstrapSpec{
				Connection: ConnectionSpec{Host: Ref(inst, "public_ip"), User: "ubuntu"},
				Steps:      []BootstrapStep{{Kind: StepRun, Command: "true"}},
			},
		},
		{
			ID:     ct,
			Target: TargetOnPremContainer,
			Inputs: map[string]Value{},
			Bootstrap: &BootstrapSpec{
				Connection: ConnectionSpec{Host: Ref(ct, "ip"), User: "admin"},
				Steps:      []BootstrapStep{{Kind: StepRun, Command: "true"}},
			},
		},
	}

	graph, err := NewGraphBuilder(nil).Build(nodes, nil)
	if err != nil {
		t.Fatalf("Expected self host reference to build, got: %v", err)
	}
	if deps := graph.Dependencies(inst); len(deps) != 1 || deps[0] != vpc {
		t.Errorf("Expected only the vpc dependency, got %v", deps)
	}
	if deps := graph.Dependencies(ct); len(deps) != 0 {
		t.Errorf("Expected no dependencies for the container, got %v", deps)
	}
	if len(graph.Levels) != 2 {
		t.Errorf("Expected 2 levels, got %v", graph.Levels)
	}
}

func TestGraphBuilder_Build_BootstrapHostCycle(t *testing.T) {
	inst := nodeID("compute", "instance", "web")
	assoc := nodeID("address", "eip_association", "web")

	nodes := []*ResourceNode{
		{
			ID:     inst,
			Target: TargetCloudCompute,
			Inputs: map[string]Value{},
			Bootstrap: &BootstrapSpec{
				Connection: ConnectionSpec{Host: Ref(assoc, "public_ip"), User: "ubuntu"},
				Steps:      []BootstrapStep{{Kind: StepRun, Command: "true"}},
			},
		},
		newNode(assoc, TargetCloudAddress, map[string]Value{"instance_id": Ref(inst, "id")}),
	}

	_, err := NewGraphBuilder(nil).Build(nodes, nil)
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("Expected CyclicDependency, got: %v", err)
	}
}

func TestGraphBuilder_Build_UnresolvedReference(t *testing.T) {
	inst := nodeID("compute", "instance", "web")
	missing := nodeID("network", "vpc", "ghost")

	_, err := NewGraphBuilder(nil).Build([]*ResourceNode{
		newNode(inst, TargetCloudCompute, map[string]Value{"subnet_id": Ref(missing, "public_subnet_id")}),
	}, nil)
	if !errors.Is(err, ErrUnresolvedReference) {
		t.Fatalf("Expected UnresolvedReference, got: %v", err)
	}
	if !strings.Contains(err.Error(), "network.vpc.ghost") {
		t.Errorf("Expected error to name the missing producer, got %q", err.Error())
	}
}

func TestGraphBuilder_Build_UndeclaredOutput(t *testing.T) {
	vpc := nodeID("network", "vpc", "main")
	inst := nodeID("compute", "instance", "web")

	nodes := []*ResourceNode{
		newNode(vpc, TargetCloudNetwork, nil),
		newNode(inst, TargetCloudCompute, map[string]Value{"subnet_id": Ref(vpc, "nonexistent")}),
	}

	_, err := NewGraphBuilder(newMockAdapter()).Build(nodes, nil)
	if !errors.Is(err, ErrUnresolvedReference) {
		t.Fatalf("Expected UnresolvedReference, got: %v", err)
	}
	if !strings.Contains(err.Error(), "nonexistent") {
		t.Errorf("Expected error to name the output, got %q", err.Error())
	}
}

func TestGraphBuilder_Build_Duplicate(t *testing.T) {
	a := nodeID("m", "t", "a")
	_, err := NewGraphBuilder(nil).Build([]*ResourceNode{
		newNode(a, TargetCloudNetwork, nil),
		newNode(a, TargetCloudCompute, nil),
	}, nil)
	if !errors.Is(err, ErrDuplicateNodeIdentity) {
		t.Fatalf("Expected DuplicateNodeIdentity, got: %v", err)
	}
}

func TestGraphBuilder_Build_InvalidNodes(t *testing.T) {
	tests := []struct {
		name string
		node *ResourceNode
	}{
		{"empty name", newNode(NodeID{Module: "m", Type: "t"}, TargetCloudNetwork, nil)},
		{"unknown target", newNode(nodeID("m", "t", "a"), "mainframe", nil)},
		{"bootstrap without user", &ResourceNode{
			ID: nodeID("m", "t", "a"), Target: TargetCloudCompute,
			Bootstrap: &BootstrapSpec{Connection: ConnectionSpec{Host: Lit("10.0.0.1")}},
		}},
		{"upload without destination", &ResourceNode{
			ID: nodeID("m", "t", "a"), Target: TargetCloudCompute,
			Bootstrap: &BootstrapSpec{
				Connection: ConnectionSpec{Host: Lit("10.0.0.1"), User: "root"},
				Steps:      []BootstrapStep{{Kind: StepUpload, Content: "x"}},
			},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraphBuilder(nil).Build([]*ResourceNode{tt.node}, nil)
			if !errors.Is(err, ErrInvalidNode) {
				t.Errorf("Expected InvalidNode, got: %v", err)
			}
		})
	}
}

func TestGraphBuilder_Build_Bindings(t *testing.T) {
	vpc := nodeID("network", "vpc", "main")
	nodes := []*ResourceNode{newNode(vpc, TargetCloudNetwork, nil)}

	_, err := NewGraphBuilder(nil).Build(nodes, []OutputBinding{
		{Label: "ghost", Source: nodeID("network", "vpc", "ghost"), Output: "id"},
	})
	if !errors.Is(err, ErrUnresolvedReference) {
		t.Fatalf("Expected UnresolvedReference for binding, got: %v", err)
	}

	_, err = NewGraphBuilder(nil).Build([]*ResourceNode{newNode(vpc, TargetCloudNetwork, nil)}, []OutputBinding{
		{Label: "x", Source: vpc, Output: "id"},
		{Label: "x", Source: vpc, Output: "id"},
	})
	if !errors.Is(err, ErrInvalidNode) {
		t.Fatalf("Expected duplicate label error, got: %v", err)
	}
}

func TestGraph_ToDOT(t *testing.T) {
	vpc := nodeID("network", "vpc", "main")
	inst := nodeID("compute", "instance", "web")
	graph, err := NewGraphBuilder(nil).Build([]*ResourceNode{
		newNode(vpc, TargetCloudNetwork, nil),
		newNode(inst, TargetCloudCompute, map[string]Value{"subnet_id": Ref(vpc, "public_subnet_id")}),
	}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := graph.ToDOT(map[NodeID]Action{vpc: ActionNoop, inst: ActionCreate})
	for _, want := range []string{
		"digraph straddle",
		`"network.vpc.main" -> "compute.instance.web"`,
		`label="public_subnet_id"`,
		"lightgreen",
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q:\n%s", want, dot)
		}
	}
}

func TestParseNodeID(t *testing.T) {
	got, err := ParseNodeID("network.vpc.main")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got != nodeID("network", "vpc", "main") {
		t.Errorf("Unexpected identity: %+v", got)
	}

	for _, bad := range []string{"", "a.b", "a.b.c.d", "a..c"} {
		if _, err := ParseNodeID(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}
