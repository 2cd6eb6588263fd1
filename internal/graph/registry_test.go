package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firestige/plumber/servlet"
)

func descriptor(name string, deps ...string) servlet.Descriptor {
	return servlet.Descriptor{
		Metadata: servlet.Metadata{Name: name, Type: "processor", Dependencies: deps},
	}
}

func TestLoadOrderRespectsDependencies(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(descriptor("sipparse")))
	require.NoError(t, r.Register(descriptor("decode")))
	require.NoError(t, r.Register(descriptor("kafkareport", "sipparse", "decode")))

	order, err := r.LoadOrder()
	require.NoError(t, err)

	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	assert.Less(t, pos["sipparse"], pos["kafkareport"])
	assert.Less(t, pos["decode"], pos["kafkareport"])
}

func TestLoadOrderDetectsCircularDependency(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(descriptor("a", "b")))
	require.NoError(t, r.Register(descriptor("b", "a")))

	_, err := r.LoadOrder()
	assert.Error(t, err)
}

func TestRegisterRejectsUnsupportedType(t *testing.T) {
	r := NewRegistry()
	d := descriptor("x")
	d.Metadata.Type = "bogus"
	err := r.Register(d)
	assert.Error(t, err)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(descriptor("decode")))
	err := r.Register(descriptor("decode"))
	assert.Error(t, err)
}

func TestUnknownDependencyFailsLoadOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(descriptor("a", "ghost")))

	_, err := r.LoadOrder()
	assert.Error(t, err)
}
