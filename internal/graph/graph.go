package graph

import (
	"fmt"
	"sort"

	"github.com/firestige/plumber/internal/tasktable"
	"github.com/firestige/plumber/internal/typemodel"
)

// NodeID names a node in the service graph; it is the same identifier
// space the task table keys tasks by (§3 Service Graph).
type NodeID = tasktable.NodeID

// Node carries the servlet instance bound to one graph position.
type Node struct {
	ID          NodeID
	Name        string
	ServletName string
}

// Edge connects a (source-node, source-output-slot) to a (dest-node,
// dest-input-slot), typed by a type expression the graph's checker fills
// to a concrete header type — possibly derived from upstream via
// generics (§3 Service Graph).
type Edge struct {
	From     NodeID
	FromSlot int
	To       NodeID
	ToSlot   int
	TypeExpr string

	// Concrete is filled in by Link once the type checker resolves
	// TypeExpr for this edge; nil beforehand.
	Concrete typemodel.ConcreteType
}

// Graph is the immutable-after-load service graph (§3): nodes carry a
// servlet instance, edges connect typed slots.
type Graph struct {
	nodes map[NodeID]*Node
	edges []*Edge
	// order, once set by Freeze, is the validated topological node order.
	order []NodeID
	built bool
}

// New creates an empty, still-mutable Graph.
func New() *Graph {
	return &Graph{nodes: make(map[NodeID]*Node)}
}

// AddNode adds a node. Must be called before Freeze.
func (g *Graph) AddNode(id NodeID, name, servletName string) error {
	if g.built {
		return fmt.Errorf("graph: cannot add node %d after Freeze, Non-goals exclude mutating a started graph", id)
	}
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("graph: node %d already exists", id)
	}
	g.nodes[id] = &Node{ID: id, Name: name, ServletName: servletName}
	return nil
}

// AddEdge adds an edge. Must be called before Freeze.
func (g *Graph) AddEdge(from NodeID, fromSlot int, to NodeID, toSlot int, typeExpr string) error {
	if g.built {
		return fmt.Errorf("graph: cannot add edge after Freeze, Non-goals exclude mutating a started graph")
	}
	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("graph: edge references unknown source node %d", from)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("graph: edge references unknown dest node %d", to)
	}
	g.edges = append(g.edges, &Edge{From: from, FromSlot: fromSlot, To: to, ToSlot: toSlot, TypeExpr: typeExpr})
	return nil
}

// InDegree counts edges terminating at node, the quantity the task table
// compares its ready/cancelled counters against.
func (g *Graph) InDegree(node NodeID) int {
	n := 0
	for _, e := range g.edges {
		if e.To == node {
			n++
		}
	}
	return n
}

// OutEdges returns every edge originating at node, in the order they were
// added.
func (g *Graph) OutEdges(node NodeID) []*Edge {
	var out []*Edge
	for _, e := range g.edges {
		if e.From == node {
			out = append(out, e)
		}
	}
	return out
}

// Node returns the node registered under id.
func (g *Graph) Node(id NodeID) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Freeze validates the graph is acyclic, computes a deterministic
// topological node order, and forbids further AddNode/AddEdge calls —
// matching the Non-goal that an already-started graph is never mutated.
func (g *Graph) Freeze() error {
	if g.built {
		return nil
	}

	inDegree := make(map[NodeID]int, len(g.nodes))
	adj := make(map[NodeID][]NodeID, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = 0
	}
	for _, e := range g.edges {
		inDegree[e.To]++
		adj[e.From] = append(adj[e.From], e.To)
	}

	queue := make([]NodeID, 0)
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i] < queue[j] })

	order := make([]NodeID, 0, len(g.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		next := append([]NodeID(nil), adj[current]...)
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		for _, n := range next {
			inDegree[n]--
			if inDegree[n] == 0 {
				queue = append(queue, n)
				sort.Slice(queue, func(i, j int) bool { return queue[i] < queue[j] })
			}
		}
	}

	if len(order) != len(g.nodes) {
		return fmt.Errorf("graph: cycle detected, service graph must be a DAG")
	}

	g.order = order
	g.built = true
	return nil
}

// TopologicalOrder returns the node visitation order computed by Freeze.
func (g *Graph) TopologicalOrder() []NodeID {
	return append([]NodeID(nil), g.order...)
}

// Link resolves every edge's type expression via typeOf, the graph's type
// inferrer hook, filling Edge.Concrete. Called once at graph startup,
// after Freeze (§3 "the type checker fills a concrete header type").
func (g *Graph) Link(typeOf func(e *Edge) (typemodel.ConcreteType, error)) error {
	for _, e := range g.edges {
		concrete, err := typeOf(e)
		if err != nil {
			return fmt.Errorf("graph: linking edge %d:%d -> %d:%d: %w", e.From, e.FromSlot, e.To, e.ToSlot, err)
		}
		e.Concrete = concrete
	}
	return nil
}
