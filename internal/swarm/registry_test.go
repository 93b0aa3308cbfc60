package swarm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snre/internal/types"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fixedVoter{id: "a"}))

	agent, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", agent.ID())
	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("b"))
}

func TestRegistryRejectsInvalidRegistrations(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&fixedVoter{id: ""}))

	require.NoError(t, r.Register(&fixedVoter{id: "dup"}))
	assert.Error(t, r.Register(&fixedVoter{id: "dup"}))
}

func TestRegistryGetUnknownIsTypedError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("ghost")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeAgentNotFound))
}

func TestRegistryIDsSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(&fixedVoter{id: id}))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.IDs())
}

func TestRegistrySelectPreservesOrder(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Register(&fixedVoter{id: id}))
	}

	agents, err := r.Select([]string{"c", "a"})
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "c", agents[0].ID())
	assert.Equal(t, "a", agents[1].ID())

	_, err = r.Select([]string{"c", "nope"})
	assert.True(t, types.IsCode(err, types.CodeAgentNotFound))
}

func TestRegistryAllReturnsSnapshot(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fixedVoter{id: "a"}))

	all := r.All()
	delete(all, "a")
	assert.True(t, r.Has("a"))
}
