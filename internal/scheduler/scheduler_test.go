package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fenlake/agentrt/internal/agent"
	"github.com/fenlake/agentrt/internal/rpc"
	"github.com/fenlake/agentrt/internal/scheduler"
	"github.com/fenlake/agentrt/internal/state/memstate"
)

type recordingReceiver struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingReceiver) Receive(_ context.Context, agentID string, req rpc.Request) rpc.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, agentID+":"+req.Method)
	return rpc.Response{Result: []byte("null")}
}

func (r *recordingReceiver) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func newScheduler(t *testing.T) (*scheduler.Scheduler, *recordingReceiver) {
	t.Helper()
	recv := &recordingReceiver{}
	st := memstate.New()
	s, err := scheduler.New(st, recv, zap.NewNop())
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { _ = s.Stop() })
	return s, recv
}

func TestCreateTaskFires(t *testing.T) {
	s, recv := newScheduler(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, "ping_1", agent.TaskRequest{Method: "wake"}, 20*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(recv.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"ping_1:wake"}, recv.snapshot())
}

func TestCancelTaskPreventsFire(t *testing.T) {
	s, recv := newScheduler(t)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, "ping_1", agent.TaskRequest{Method: "wake"}, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, s.CancelTask("ping_1", id))

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, recv.snapshot())
}

func TestCancelTaskIsIdempotent(t *testing.T) {
	s, _ := newScheduler(t)
	assert.NoError(t, s.CancelTask("ping_1", "nonexistent"))
	assert.NoError(t, s.CancelTask("ping_1", "nonexistent"))
}

func TestEqualDelayTasksFireInSubmissionOrder(t *testing.T) {
	s, recv := newScheduler(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, "ping_1", agent.TaskRequest{Method: "first"}, 30*time.Millisecond)
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, "ping_1", agent.TaskRequest{Method: "second"}, 30*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(recv.snapshot()) == 2
	}, time.Second, 10*time.Millisecond)

	calls := recv.snapshot()
	assert.Equal(t, []string{"ping_1:first", "ping_1:second"}, calls)
}
