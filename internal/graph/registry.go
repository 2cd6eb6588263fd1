// Package graph holds the immutable Service Graph data model (§3) and the
// servlet registry that resolves a load order consistent with declared
// servlet dependencies before any graph referencing them is started.
package graph

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/firestige/plumber/servlet"
)

var supportedTypes = []string{"source", "processor", "sink"}

// Registry holds every servlet descriptor known to the process, whether
// statically linked or dynamically loaded (graph.Loader), keyed by name.
type Registry struct {
	mu       sync.RWMutex
	servlets map[string]servlet.Descriptor
	byType   map[string][]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		servlets: make(map[string]servlet.Descriptor),
		byType:   make(map[string][]string),
	}
}

// Register adds d to the registry. d.Metadata.Type must be one of
// source/processor/sink.
func (r *Registry) Register(d servlet.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := d.Metadata.Name
	if _, exists := r.servlets[name]; exists {
		return fmt.Errorf("servlet %q already registered", name)
	}
	if !slices.Contains(supportedTypes, d.Metadata.Type) {
		return fmt.Errorf("servlet %q has unsupported type %q", name, d.Metadata.Type)
	}

	r.servlets[name] = d
	r.byType[d.Metadata.Type] = append(r.byType[d.Metadata.Type], name)
	return nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (servlet.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, exists := r.servlets[name]
	if !exists {
		return servlet.Descriptor{}, fmt.Errorf("servlet %q not found", name)
	}
	return d, nil
}

// List returns every registered servlet of the given type.
func (r *Registry) List(servletType string) []servlet.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.byType[servletType]
	out := make([]servlet.Descriptor, 0, len(names))
	for _, name := range names {
		out = append(out, r.servlets[name])
	}
	return out
}

// LoadOrder computes a load order respecting every servlet's declared
// Dependencies, via Kahn's algorithm with deterministic (lexicographic)
// tie-breaking so the same registry contents always yield the same order.
func (r *Registry) LoadOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dependents := make(map[string][]string) // dep -> servlets that need it first
	inDegree := make(map[string]int)

	for name, d := range r.servlets {
		for _, dep := range d.Metadata.Dependencies {
			if _, exists := r.servlets[dep]; !exists {
				return nil, fmt.Errorf("servlet %q has unknown dependency %q", name, dep)
			}
			dependents[dep] = append(dependents[dep], name)
		}
		inDegree[name] = len(d.Metadata.Dependencies)
	}

	queue := make([]string, 0)
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(r.servlets))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		next := dependents[current]
		sort.Strings(next)
		for _, name := range next {
			inDegree[name]--
			if inDegree[name] == 0 {
				queue = append(queue, name)
				sort.Strings(queue)
			}
		}
	}

	if len(order) != len(r.servlets) {
		return nil, fmt.Errorf("circular dependency detected among servlets")
	}
	return order, nil
}
