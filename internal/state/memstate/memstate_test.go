package memstate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenlake/agentrt/internal/state/memstate"
)

func TestGetPutRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := memstate.New()

	_, ok, err := s.Get(ctx, "agent1", "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "agent1", "k", []byte("v")))
	v, ok, err := s.Get(ctx, "agent1", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
}

func TestPutSnapshotReplacesEntireKeySpace(t *testing.T) {
	ctx := context.Background()
	s := memstate.New()

	require.NoError(t, s.Put(ctx, "agent1", "old", []byte("stale")))
	require.NoError(t, s.PutSnapshot(ctx, "agent1", map[string][]byte{"new": []byte("fresh")}))

	_, ok, err := s.Get(ctx, "agent1", "old")
	require.NoError(t, err)
	assert.False(t, ok, "PutSnapshot must overwrite, not merge")

	v, ok, err := s.Get(ctx, "agent1", "new")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fresh", string(v))
}

func TestSnapshotReturnsEveryKey(t *testing.T) {
	ctx := context.Background()
	s := memstate.New()
	require.NoError(t, s.Put(ctx, "agent1", "a", []byte("1")))
	require.NoError(t, s.Put(ctx, "agent1", "b", []byte("2")))

	snap, err := s.Snapshot(ctx, "agent1")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, snap)
}

func TestAgentIDsEnumeratesKnownAgents(t *testing.T) {
	ctx := context.Background()
	s := memstate.New()
	require.NoError(t, s.Put(ctx, "agent1", "k", []byte("v")))
	require.NoError(t, s.Put(ctx, "agent2", "k", []byte("v")))

	ids, err := s.AgentIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent1", "agent2"}, ids)
}

func TestDeleteAgentRemovesEveryKey(t *testing.T) {
	ctx := context.Background()
	s := memstate.New()
	require.NoError(t, s.Put(ctx, "agent1", "k", []byte("v")))
	require.NoError(t, s.DeleteAgent(ctx, "agent1"))

	ids, err := s.AgentIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, "agent1")

	_, ok, err := s.Get(ctx, "agent1", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memstate.New()
	require.NoError(t, s.Delete(ctx, "agent1", "k"))
	require.NoError(t, s.Delete(ctx, "agent1", "k"))
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	ctx := context.Background()
	s := memstate.New()
	require.NoError(t, s.Put(ctx, "agent1", "k", []byte("v")))

	v, _, err := s.Get(ctx, "agent1", "k")
	require.NoError(t, err)
	v[0] = 'x'

	v2, _, err := s.Get(ctx, "agent1", "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v2), "Get must not expose internal storage to mutation")
}
