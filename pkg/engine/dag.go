package engine

import (
	"fmt"
	"sort"
	"strings"
)

// EdgeKind distinguishes why one node depends on another.
type EdgeKind string

const (
	// EdgeReference is derived from a reference value.
	EdgeReference EdgeKind = "reference"
	// EdgeOrder is declared explicitly and carries no value.
	EdgeOrder EdgeKind = "order"
)

// DependencyEdge states that To may not be applied before From is ready.
type DependencyEdge struct {
	From   NodeID   `json:"from"`
	To     NodeID   `json:"to"`
	Kind   EdgeKind `json:"kind"`
	Output string   `json:"output,omitempty"`
}

// Graph is a validated, acyclic dependency graph. Its topology is immutable;
// only node state and outputs change during execution.
type Graph struct {
	// Nodes maps identity to node.
	Nodes map[NodeID]*ResourceNode

	// Order is a topological order; producers precede consumers.
	Order []NodeID

	// Levels groups nodes whose producers all sit in earlier levels.
	Levels [][]NodeID

	// Edges lists every distinct producer/consumer pair.
	Edges []DependencyEdge

	// Bindings are the output bindings declared with the graph.
	Bindings []OutputBinding

	dependencies map[NodeID][]NodeID
	dependents   map[NodeID][]NodeID
}

// Node returns the node with the given identity.
func (g *Graph) Node(id NodeID) (*ResourceNode, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// Dependencies returns the producers of a node.
func (g *Graph) Dependencies(id NodeID) []NodeID {
	return g.dependencies[id]
}

// Dependents returns the direct consumers of a node.
func (g *Graph) Dependents(id NodeID) []NodeID {
	return g.dependents[id]
}

// Roots returns nodes without producers, in topological order.
func (g *Graph) Roots() []NodeID {
	roots := make([]NodeID, 0)
	for _, id := range g.Order {
		if len(g.dependencies[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Descendants returns every node transitively depending on id.
func (g *Graph) Descendants(id NodeID) []NodeID {
	seen := make(map[NodeID]bool)
	queue := append([]NodeID(nil), g.dependents[id]...)
	out := make([]NodeID, 0)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.dependents[next]...)
	}
	SortNodeIDs(out)
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.Nodes)
}

// GraphBuilder builds a Graph from declared nodes.
// It derives edges from references, rejects cycles and assigns levels.
type GraphBuilder struct {
	// schema, when set, is consulted to reject references to undeclared outputs.
	schema SchemaProvider

	// nodes maps identities to their nodes
	nodes map[NodeID]*ResourceNode

	// declared keeps declaration order for deterministic output
	declared []NodeID

	// adjacencyList maps producers to consumers
	adjacencyList map[NodeID][]NodeID

	// reverseAdjacencyList maps consumers to producers
	reverseAdjacencyList map[NodeID][]NodeID

	// inDegree tracks the number of distinct producers for each node
	inDegree map[NodeID]int

	edges  []DependencyEdge
	levels [][]NodeID
}

// NewGraphBuilder creates a new graph builder. A nil schema disables output name checks.
func NewGraphBuilder(schema SchemaProvider) *GraphBuilder {
	return &GraphBuilder{
		schema:               schema,
		nodes:                make(map[NodeID]*ResourceNode),
		adjacencyList:        make(map[NodeID][]NodeID),
		reverseAdjacencyList: make(map[NodeID][]NodeID),
		inDegree:             make(map[NodeID]int),
		levels:               make([][]NodeID, 0),
	}
}

// Build validates the nodes and bindings and returns the dependency graph.
// It never contacts an external system. Errors are *GraphError.
func (b *GraphBuilder) Build(nodes []*ResourceNode, bindings []OutputBinding) (*Graph, error) {
	if err := b.index(nodes); err != nil {
		return nil, err
	}

	if err := b.link(); err != nil {
		return nil, err
	}

	if err := b.checkBindings(bindings); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildGraph(bindings), nil
}

// index registers every node and rejects duplicates.
func (b *GraphBuilder) index(nodes []*ResourceNode) error {
	for _, node := range nodes {
		if node == nil {
			return &GraphError{Kind: InvalidNode, Message: "nil node"}
		}
		if err := node.ID.Validate(); err != nil {
			return &GraphError{Kind: InvalidNode, Node: node.ID, Message: err.Error()}
		}
		if err := node.Target.Validate(); err != nil {
			return &GraphError{Kind: InvalidNode, Node: node.ID, Message: err.Error()}
		}
		if _, exists := b.nodes[node.ID]; exists {
			return &GraphError{
				Kind:    DuplicateNodeIdentity,
				Node:    node.ID,
				Message: "declared more than once",
			}
		}
		if node.Bootstrap != nil {
			if err := validateBootstrap(node.Bootstrap); err != nil {
				return &GraphError{Kind: InvalidNode, Node: node.ID, Message: err.Error()}
			}
		}
		if node.State == "" {
			node.State = NodeStatePending
		}

		b.nodes[node.ID] = node
		b.declared = append(b.declared, node.ID)
		b.adjacencyList[node.ID] = make([]NodeID, 0)
		b.reverseAdjacencyList[node.ID] = make([]NodeID, 0)
		b.inDegree[node.ID] = 0
	}
	return nil
}

// link derives edges from references and explicit ordering.
func (b *GraphBuilder) link() error {
	for _, id := range b.declared {
		node := b.nodes[id]

		for _, ref := range node.InputReferences() {
			if err := b.checkReference(id, ref); err != nil {
				return err
			}
			if ref.Node == id {
				return &GraphError{Kind: CyclicDependency, Node: id, Cycle: []NodeID{id, id}}
			}
			b.addEdge(DependencyEdge{From: ref.Node, To: id, Kind: EdgeReference, Output: ref.Output})
		}

		// A bootstrap host may name the node itself; it resolves from the
		// node's own outputs once applied.
		for _, ref := range node.HostReferences() {
			if err := b.checkReference(id, ref); err != nil {
				return err
			}
			if ref.Node == id {
				continue
			}
			b.addEdge(DependencyEdge{From: ref.Node, To: id, Kind: EdgeReference, Output: ref.Output})
		}

		for _, dep := range node.DependsOn {
			if _, exists := b.nodes[dep]; !exists {
				return &GraphError{
					Kind:    UnresolvedReference,
					Node:    id,
					Message: fmt.Sprintf("depends_on names unknown node %s", dep),
				}
			}
			if dep == id {
				return &GraphError{Kind: CyclicDependency, Node: id, Cycle: []NodeID{id, id}}
			}
			b.addEdge(DependencyEdge{From: dep, To: id, Kind: EdgeOrder})
		}
	}
	return nil
}

// checkReference asserts that the producer exists and declares the output.
func (b *GraphBuilder) checkReference(consumer NodeID, ref Reference) error {
	producer, exists := b.nodes[ref.Node]
	if !exists {
		return &GraphError{
			Kind:      UnresolvedReference,
			Node:      consumer,
			Reference: &ref,
			Message:   fmt.Sprintf("producer %s does not exist", ref.Node),
		}
	}
	if ref.Output == "" {
		return &GraphError{
			Kind:      UnresolvedReference,
			Node:      consumer,
			Reference: &ref,
			Message:   "reference has no output name",
		}
	}
	if b.schema == nil {
		return nil
	}
	outputs, known := b.schema.Outputs(producer.ID.Type)
	if !known {
		return nil
	}
	for _, out := range outputs {
		if out == ref.Output {
			return nil
		}
	}
	return &GraphError{
		Kind:      UnresolvedReference,
		Node:      consumer,
		Reference: &ref,
		Message:   fmt.Sprintf("producer %s has no output %q", ref.Node, ref.Output),
	}
}

// addEdge records an edge; repeated producer/consumer pairs count once toward in-degree.
func (b *GraphBuilder) addEdge(edge DependencyEdge) {
	b.edges = append(b.edges, edge)
	for _, existing := range b.reverseAdjacencyList[edge.To] {
		if existing == edge.From {
			return
		}
	}
	b.adjacencyList[edge.From] = append(b.adjacencyList[edge.From], edge.To)
	b.reverseAdjacencyList[edge.To] = append(b.reverseAdjacencyList[edge.To], edge.From)
	b.inDegree[edge.To]++
}

func (b *GraphBuilder) checkBindings(bindings []OutputBinding) error {
	seen := make(map[string]bool)
	for _, binding := range bindings {
		if binding.Label == "" {
			return &GraphError{Kind: InvalidNode, Node: binding.Source, Message: "output binding has no label"}
		}
		if seen[binding.Label] {
			return &GraphError{Kind: InvalidNode, Message: fmt.Sprintf("output binding %q declared more than once", binding.Label)}
		}
		seen[binding.Label] = true
		ref := Reference{Node: binding.Source, Output: binding.Output}
		if err := b.checkReference(NodeID{}, ref); err != nil {
			g := err.(*GraphError)
			g.Message = fmt.Sprintf("output %q: %s", binding.Label, g.Message)
			return g
		}
	}
	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[NodeID]bool)
	recStack := make(map[NodeID]bool)

	for _, id := range b.declared {
		if !visited[id] {
			if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
				return &GraphError{Kind: CyclicDependency, Node: cycle[0], Cycle: cycle}
			}
		}
	}

	return nil
}

// detectCyclesUtil returns the cycle path when one is reachable from nodeID.
func (b *GraphBuilder) detectCyclesUtil(
	nodeID NodeID,
	visited map[NodeID]bool,
	recStack map[NodeID]bool,
	path []NodeID,
) []NodeID {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]NodeID(nil), path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns levels using Kahn's algorithm.
// Nodes at the same level have no dependency on each other.
func (b *GraphBuilder) computeLevels() error {
	inDegreeCopy := make(map[NodeID]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]NodeID, 0)
	for _, id := range b.declared {
		if inDegreeCopy[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]NodeID, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		SortNodeIDs(nextLevel)
		currentLevel = nextLevel
	}

	if processedCount != len(b.nodes) {
		return &GraphError{Kind: CyclicDependency, Message: "not every node could be ordered"}
	}

	return nil
}

func (b *GraphBuilder) buildGraph(bindings []OutputBinding) *Graph {
	graph := &Graph{
		Nodes:        b.nodes,
		Order:        make([]NodeID, 0, len(b.nodes)),
		Levels:       b.levels,
		Edges:        b.edges,
		Bindings:     append([]OutputBinding(nil), bindings...),
		dependencies: b.reverseAdjacencyList,
		dependents:   b.adjacencyList,
	}
	for _, level := range b.levels {
		graph.Order = append(graph.Order, level...)
	}
	return graph
}

func validateBootstrap(spec *BootstrapSpec) error {
	if spec.Connection.User == "" {
		return fmt.Errorf("bootstrap connection has no user")
	}
	if spec.Connection.Host.Kind == KindLiteral && spec.Connection.Host.String() == "" {
		return fmt.Errorf("bootstrap connection has no host")
	}
	for i, step := range spec.Steps {
		switch step.Kind {
		case StepUpload:
			if step.Destination == "" {
				return fmt.Errorf("bootstrap step %d: upload has no destination", i)
			}
			if step.Source == "" && step.Content == "" {
				return fmt.Errorf("bootstrap step %d: upload has neither source nor content", i)
			}
		case StepRun:
			if strings.TrimSpace(step.Command) == "" {
				return fmt.Errorf("bootstrap step %d: run has no command", i)
			}
		default:
			return fmt.Errorf("bootstrap step %d: unknown kind %q", i, step.Kind)
		}
	}
	return nil
}

// ToDOT renders the graph in Graphviz DOT format. When actions is non-nil,
// nodes are coloured by their planned action.
func (g *Graph) ToDOT(actions map[NodeID]Action) string {
	var sb strings.Builder

	sb.WriteString("digraph straddle {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			node := g.Nodes[id]
			label := fmt.Sprintf("%s\\n%s", id, node.Target)
			color := "white"
			if actions != nil {
				label += "\\n" + string(actions[id])
				color = actionColor(actions[id])
			}
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
				id.String(), label, color))
		}

		sb.WriteString("  }\n\n")
	}

	edges := append([]DependencyEdge(nil), g.Edges...)
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From.String() < edges[j].From.String()
		}
		return edges[i].To.String() < edges[j].To.String()
	})
	for _, edge := range edges {
		style := "style=solid"
		if edge.Kind == EdgeOrder {
			style = "style=dotted, color=gray"
		} else if edge.Output != "" {
			style = fmt.Sprintf("style=solid, label=%q", edge.Output)
		}
		sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", edge.From.String(), edge.To.String(), style))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []NodeID) string {
	parts := make([]string, 0, len(cycle))
	for _, id := range cycle {
		parts = append(parts, id.String())
	}
	return strings.Join(parts, " -> ")
}

func actionColor(a Action) string {
	switch a {
	case ActionCreate:
		return "lightgreen"
	case ActionUpdate:
		return "lightblue"
	case ActionDelete:
		return "lightcoral"
	case ActionNoop:
		return "lightgray"
	default:
		return "white"
	}
}
