package graph

import "fmt"

// Spec is the declarative, serializable form of a Graph: named nodes bound
// to a registered servlet, and typed edges between their slots. It exists
// so a service graph can be described outside of Go source — graphdesc
// unmarshals this shape from a YAML document; BuildFromSpec resolves it
// against a Registry into a live, frozen Graph the same way engine.New
// resolves a flat servlet-name list, just with arbitrary fan-out/fan-in
// instead of a fixed linear chain.
type Spec struct {
	Nodes []NodeSpec `yaml:"nodes"`
	Edges []EdgeSpec `yaml:"edges"`
}

// NodeSpec binds one graph position to a servlet registered by name. Argv
// is passed to the servlet's Init the same way internal/task builds it: one
// JSON-encoded config blob per servlet, carried here as a raw map so the
// YAML document stays declarative instead of embedding pre-encoded JSON.
type NodeSpec struct {
	ID      NodeID         `yaml:"id"`
	Name    string         `yaml:"name"`
	Servlet string         `yaml:"servlet"`
	Config  map[string]any `yaml:"config,omitempty"`
}

// EdgeSpec connects one node's declared output slot to another's declared
// input slot, exactly as Graph.AddEdge does (§3 Service Graph).
type EdgeSpec struct {
	From     NodeID `yaml:"from"`
	FromSlot int    `yaml:"from_slot"`
	To       NodeID `yaml:"to"`
	ToSlot   int    `yaml:"to_slot"`
	TypeExpr string `yaml:"type"`
}

// BuildFromSpec validates every node's servlet name is known to registry
// and assembles the corresponding Graph, frozen and ready for Link/Freeze
// consumers such as internal/engine. It does not call Init on any servlet —
// that stays the composition root's job, since only the composition root
// knows how many scheduler threads and how much async concurrency a given
// deployment wants.
func BuildFromSpec(spec *Spec, registry *Registry) (*Graph, error) {
	if spec == nil {
		return nil, fmt.Errorf("graph: nil spec")
	}
	if len(spec.Nodes) == 0 {
		return nil, fmt.Errorf("graph: spec declares no nodes")
	}

	g := New()
	for _, n := range spec.Nodes {
		if _, err := registry.Get(n.Servlet); err != nil {
			return nil, fmt.Errorf("graph: node %q: %w", n.Name, err)
		}
		if err := g.AddNode(n.ID, n.Name, n.Servlet); err != nil {
			return nil, err
		}
	}
	for _, e := range spec.Edges {
		if err := g.AddEdge(e.From, e.FromSlot, e.To, e.ToSlot, e.TypeExpr); err != nil {
			return nil, err
		}
	}
	if err := g.Freeze(); err != nil {
		return nil, err
	}
	return g, nil
}
