package command

import (
	"testing"

	"github.com/firestige/plumber/internal/graph"
	"github.com/firestige/plumber/internal/task"
)

func testRegistry(t *testing.T) *graph.Registry {
	t.Helper()
	r, err := task.DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	return r
}
