package instantiation_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fenlake/agentrt/internal/agent"
	"github.com/fenlake/agentrt/internal/classreg"
	"github.com/fenlake/agentrt/internal/instantiation"
	"github.com/fenlake/agentrt/internal/state/memstate"
)

type counterAgent struct {
	agent.Base
	constructCount int
}

func (c *counterAgent) Configure(params json.RawMessage) error {
	c.constructCount++
	return nil
}

func newService(t *testing.T) (*instantiation.Service, *classreg.Registry) {
	t.Helper()
	reg := classreg.New()
	reg.Register("counter", func() agent.Agent { return &counterAgent{} })
	st := memstate.New()
	svc := instantiation.New(st, reg, zap.NewNop())
	return svc, reg
}

func TestRegisterAndInit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	require.NoError(t, svc.Register(ctx, "counter_1", "counter", json.RawMessage(`{}`), nil))

	exists, err := svc.Exists(ctx, "counter_1")
	require.NoError(t, err)
	assert.True(t, exists)

	a, err := svc.Init(ctx, "counter_1", false)
	require.NoError(t, err)
	require.NotNil(t, a)
	c, ok := a.(*counterAgent)
	require.True(t, ok)
	assert.Equal(t, 1, c.constructCount)

	// Init again without a Release in between returns the same live instance.
	again, err := svc.Init(ctx, "counter_1", false)
	require.NoError(t, err)
	assert.Same(t, a, again)
}

func TestInitUnknownKeyReturnsNil(t *testing.T) {
	svc, _ := newService(t)
	a, err := svc.Init(context.Background(), "nobody", false)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestReleaseThenInitReconstructs(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	require.NoError(t, svc.Register(ctx, "counter_1", "counter", json.RawMessage(`{}`), nil))

	h, err := svc.Handle(ctx, "counter_1", false)
	require.NoError(t, err)
	require.NotNil(t, h.Current())

	svc.Release("counter_1")
	assert.Nil(t, h.Current(), "the Handler retargets to nil on release")

	a, err := svc.Init(ctx, "counter_1", false)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Same(t, a, h.Current(), "the same Handler retargets to the new instance")
}

func TestDeregisterRemovesEntryAndState(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	require.NoError(t, svc.Register(ctx, "counter_1", "counter", json.RawMessage(`{}`), nil))
	_, err := svc.Init(ctx, "counter_1", false)
	require.NoError(t, err)

	require.NoError(t, svc.Deregister(ctx, "counter_1"))

	exists, err := svc.Exists(ctx, "counter_1")
	require.NoError(t, err)
	assert.False(t, exists)

	// Deregister is idempotent.
	assert.NoError(t, svc.Deregister(ctx, "counter_1"))
}

func TestConcurrentInitSameKeyConstructsOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	require.NoError(t, svc.Register(ctx, "counter_1", "counter", json.RawMessage(`{}`), nil))

	const n = 50
	var wg sync.WaitGroup
	results := make([]agent.Agent, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := svc.Init(ctx, "counter_1", false)
			require.NoError(t, err)
			results[i] = a
		}()
	}
	wg.Wait()

	first := results[0]
	require.NotNil(t, first)
	for _, a := range results {
		assert.Same(t, first, a)
	}
	assert.Equal(t, uint64(1), firstGeneration(t, svc, ctx, "counter_1"))
}

func firstGeneration(t *testing.T, svc *instantiation.Service, ctx context.Context, key string) uint64 {
	t.Helper()
	// generation is observable only via repeated release/init in these
	// tests' black-box view; re-deriving it here would require exporting
	// Entry lookups, so this check piggybacks on the fact that a single
	// construction leaves constructCount at 1 on the resolved instance.
	a, err := svc.Init(ctx, key, false)
	require.NoError(t, err)
	c := a.(*counterAgent)
	if c.constructCount != 1 {
		t.Fatalf("expected exactly one construction, got %d", c.constructCount)
	}
	return 1
}

func TestBootPrioritizesGroupAndRestAgents(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	require.NoError(t, svc.Register(ctx, "foo", "counter", json.RawMessage(`{}`), nil))
	require.NoError(t, svc.Register(ctx, "foo_groupAgent", "counter", json.RawMessage(`{}`), nil))
	require.NoError(t, svc.Register(ctx, "restagent", "counter", json.RawMessage(`{}`), nil))
	require.NoError(t, svc.Register(ctx, "bar_groupAgent", "counter", json.RawMessage(`{}`), nil)) // prefix "bar" unknown

	require.NoError(t, svc.Boot(ctx))

	// Phase A is synchronous: the priority set is live by the time Boot returns.
	for _, id := range []string{"foo_groupAgent", "restagent"} {
		h, err := svc.Handle(ctx, id, true)
		require.NoError(t, err)
		require.NotNil(t, h.Current(), "%s should be awake after Boot returns", id)
	}
}
