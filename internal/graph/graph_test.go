package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreezeComputesTopologicalOrder(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(1, "source", "decode"))
	require.NoError(t, g.AddNode(2, "upper", "sipparse"))
	require.NoError(t, g.AddNode(3, "sink", "console"))
	require.NoError(t, g.AddEdge(1, 0, 2, 0, "packet_header"))
	require.NoError(t, g.AddEdge(2, 0, 3, 0, "sip_message"))

	require.NoError(t, g.Freeze())
	assert.Equal(t, []NodeID{1, 2, 3}, g.TopologicalOrder())
	assert.Equal(t, 1, g.InDegree(2))
	assert.Equal(t, 0, g.InDegree(1))
}

func TestFreezeRejectsCycles(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(1, "a", "decode"))
	require.NoError(t, g.AddNode(2, "b", "decode"))
	require.NoError(t, g.AddEdge(1, 0, 2, 0, "t"))
	require.NoError(t, g.AddEdge(2, 0, 1, 0, "t"))

	err := g.Freeze()
	assert.Error(t, err)
}

func TestMutationAfterFreezeIsRejected(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(1, "a", "decode"))
	require.NoError(t, g.Freeze())

	err := g.AddNode(2, "b", "decode")
	assert.Error(t, err, "Non-goals exclude dynamic mutation of an already-started graph")
}
