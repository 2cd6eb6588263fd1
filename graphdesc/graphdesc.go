// Package graphdesc loads a declarative YAML service-graph description into
// an internal/graph.Spec. It is a stand-in for the "service description
// language parser" spec.md names as an external collaborator by interface
// only: it exists so cmd/ has a file-driven way to assemble a graph instead
// of hardcoding a servlet list in Go, not because the core depends on any
// particular description language.
package graphdesc

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/firestige/plumber/internal/graph"
)

// document is the on-disk shape; it mirrors graph.Spec field for field so
// YAML tags stay local to this package instead of leaking into the core
// graph model.
type document struct {
	Nodes []nodeDocument `yaml:"nodes"`
	Edges []edgeDocument `yaml:"edges"`
}

type nodeDocument struct {
	ID      uint32         `yaml:"id"`
	Name    string         `yaml:"name"`
	Servlet string         `yaml:"servlet"`
	Config  map[string]any `yaml:"config,omitempty"`
}

type edgeDocument struct {
	From     uint32 `yaml:"from"`
	FromSlot int    `yaml:"from_slot"`
	To       uint32 `yaml:"to"`
	ToSlot   int    `yaml:"to_slot"`
	Type     string `yaml:"type"`
}

// Load reads and parses the YAML service-graph description at path into a
// graph.Spec. It validates node ids are unique and every edge references a
// declared node, but does not touch a Registry — resolving servlet names
// against what's actually registered is graph.BuildFromSpec's job.
func Load(path string) (*graph.Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("graphdesc: read %s: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("graphdesc: parse %s: %w", path, err)
	}
	if len(doc.Nodes) == 0 {
		return nil, fmt.Errorf("graphdesc: %s declares no nodes", path)
	}

	seen := make(map[graph.NodeID]bool, len(doc.Nodes))
	spec := &graph.Spec{
		Nodes: make([]graph.NodeSpec, 0, len(doc.Nodes)),
		Edges: make([]graph.EdgeSpec, 0, len(doc.Edges)),
	}
	for _, n := range doc.Nodes {
		id := graph.NodeID(n.ID)
		if seen[id] {
			return nil, fmt.Errorf("graphdesc: %s: duplicate node id %d", path, id)
		}
		if n.Servlet == "" {
			return nil, fmt.Errorf("graphdesc: %s: node %q has no servlet", path, n.Name)
		}
		seen[id] = true
		spec.Nodes = append(spec.Nodes, graph.NodeSpec{
			ID:      id,
			Name:    n.Name,
			Servlet: n.Servlet,
			Config:  n.Config,
		})
	}
	for _, e := range doc.Edges {
		from, to := graph.NodeID(e.From), graph.NodeID(e.To)
		if !seen[from] {
			return nil, fmt.Errorf("graphdesc: %s: edge references unknown node %d", path, from)
		}
		if !seen[to] {
			return nil, fmt.Errorf("graphdesc: %s: edge references unknown node %d", path, to)
		}
		spec.Edges = append(spec.Edges, graph.EdgeSpec{
			From:     from,
			FromSlot: e.FromSlot,
			To:       to,
			ToSlot:   e.ToSlot,
			TypeExpr: e.Type,
		})
	}
	return spec, nil
}
