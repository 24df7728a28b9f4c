package eventbus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fenlake/agentrt/internal/eventbus"
	"github.com/fenlake/agentrt/internal/rpc"
	"github.com/fenlake/agentrt/internal/state/memstate"
)

type fakeSender struct {
	mu       sync.Mutex
	received []string
	slowURL  string
	slowGate chan struct{}
}

func (f *fakeSender) SendAsync(_ context.Context, targetURL string, req rpc.Request) {
	if targetURL == f.slowURL && f.slowGate != nil {
		<-f.slowGate
	}
	f.mu.Lock()
	f.received = append(f.received, targetURL+":"+req.Method)
	f.mu.Unlock()
}

func (f *fakeSender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.received))
	copy(out, f.received)
	return out
}

func TestSubscribeCollapsesDuplicates(t *testing.T) {
	ctx := context.Background()
	st := memstate.New()
	sender := &fakeSender{}
	bus := eventbus.New(st, sender, zap.NewNop())

	require.NoError(t, bus.Subscribe(ctx, "pub", "http://sub/a", "tick", "onTick"))
	require.NoError(t, bus.Subscribe(ctx, "pub", "http://sub/a", "tick", "onTick"))

	require.NoError(t, bus.Trigger(ctx, "pub", "http://pub/", "tick", map[string]int{"n": 1}))
	assert.Len(t, sender.snapshot(), 1)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memstate.New()
	bus := eventbus.New(st, &fakeSender{}, zap.NewNop())

	require.NoError(t, bus.Unsubscribe(ctx, "pub", "http://sub/a", "tick", "onTick"))
	require.NoError(t, bus.Unsubscribe(ctx, "pub", "http://sub/a", "tick", "onTick"))
}

func TestWildcardSubscriptionMatchesEveryEvent(t *testing.T) {
	ctx := context.Background()
	st := memstate.New()
	sender := &fakeSender{}
	bus := eventbus.New(st, sender, zap.NewNop())

	require.NoError(t, bus.Subscribe(ctx, "pub", "http://sub/a", "*", "onAny"))

	require.NoError(t, bus.Trigger(ctx, "pub", "http://pub/", "tick", nil))
	require.NoError(t, bus.Trigger(ctx, "pub", "http://pub/", "alarm", nil))

	assert.ElementsMatch(t, []string{"http://sub/a:onAny", "http://sub/a:onAny"}, sender.snapshot())
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	st := memstate.New()
	gate := make(chan struct{})
	sender := &fakeSender{slowURL: "http://sub/slow", slowGate: gate}
	bus := eventbus.New(st, sender, zap.NewNop())

	require.NoError(t, bus.Subscribe(ctx, "pub", "http://sub/slow", "tick", "onTick"))
	require.NoError(t, bus.Subscribe(ctx, "pub", "http://sub/fast", "tick", "onTick"))

	done := make(chan struct{})
	go func() {
		_ = bus.Trigger(ctx, "pub", "http://pub/", "tick", nil)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, r := range sender.snapshot() {
			if r == "http://sub/fast:onTick" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "fast subscriber should be delivered without waiting for the slow one")

	close(gate)
	<-done
}
