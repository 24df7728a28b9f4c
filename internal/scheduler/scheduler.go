// Package scheduler implements the Scheduler component (spec.md §4.4):
// a per-agent delayed/canceled task queue whose firing synthesizes a local
// receive call back into the owning agent. It wraps gocron the same way the
// teacher's backup scheduler does, but one gocron one-shot job per task
// instead of one cron job per policy.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fenlake/agentrt/internal/agent"
	"github.com/fenlake/agentrt/internal/metrics"
	"github.com/fenlake/agentrt/internal/rpc"
	"github.com/fenlake/agentrt/internal/state"
)

// tasksStateKey is the reserved per-agent state key holding that agent's
// persisted task list (spec.md §6: `{ "tasks": [ { "id", "due", "request" } ] }`).
const tasksStateKey = "__tasks__"

// Receiver is the narrow callback surface the Scheduler needs from the
// Host: deliver a synthesized local RPC to an agent. It deliberately does
// not depend on the host package, so host can hold a Scheduler without an
// import cycle.
type Receiver interface {
	Receive(ctx context.Context, agentID string, req rpc.Request) rpc.Response
}

// persistedTask is the on-disk shape of one ScheduledTask.
type persistedTask struct {
	ID      string            `json:"id"`
	DueUnix int64             `json:"due"` // unix nanoseconds; spec.md's "due" is unix-ms, extended for submission-order tie-breaking
	Request agent.TaskRequest `json:"request"`
}

type taskList struct {
	Tasks []persistedTask `json:"tasks"`
}

// Scheduler wraps gocron to deliver per-agent delayed tasks. The zero value
// is not usable — construct with New.
type Scheduler struct {
	cron   gocron.Scheduler
	st     state.Service
	recv   Receiver
	logger *zap.Logger

	mu      sync.Mutex
	byTask  map[string]gocron.Job // task id -> gocron job, for CancelTask
	seqNext atomic.Int64
}

// New creates a Scheduler backed by st; delivery of due tasks goes through
// recv (normally the Host itself).
func New(st state.Service, recv Receiver, logger *zap.Logger) (*Scheduler, error) {
	g, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: creating gocron scheduler: %w", err)
	}
	return &Scheduler{
		cron:   g,
		st:     st,
		recv:   recv,
		logger: logger.Named("scheduler"),
		byTask: make(map[string]gocron.Job),
	}, nil
}

// Start begins running due gocron jobs. Restore should be called first if
// existing tasks are to survive a restart.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop shuts the scheduler down, waiting for in-flight task deliveries.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	return nil
}

// CreateTask schedules req to fire against agentID after delay, returning a
// stable task id persisted in the agent's state (spec.md §4.4). Equal-delay
// tasks created by the same caller in sequence fire in submission order: the
// tie-break is a monotonically increasing nanosecond offset, not wall-clock
// precision, which real schedulers cannot guarantee on their own.
func (s *Scheduler) CreateTask(ctx context.Context, agentID string, req agent.TaskRequest, delay time.Duration) (string, error) {
	due := time.Now().Add(delay).Add(time.Duration(s.seqNext.Add(1)) * time.Nanosecond)
	id := uuid.NewString()

	pt := persistedTask{ID: id, DueUnix: due.UnixNano(), Request: req}
	if err := s.appendTask(ctx, agentID, pt); err != nil {
		return "", err
	}

	s.arm(agentID, pt)
	metrics.ScheduledTasksPending.Inc()
	return id, nil
}

// CancelTask removes a pending task by id. Idempotent: canceling an
// already-fired or unknown id is not an error.
func (s *Scheduler) CancelTask(agentID, taskID string) error {
	s.mu.Lock()
	job, ok := s.byTask[taskID]
	delete(s.byTask, taskID)
	s.mu.Unlock()

	if ok {
		_ = s.cron.RemoveJob(job.ID())
		metrics.ScheduledTasksPending.Dec()
	}

	ctx := context.Background()
	list, err := s.loadTasks(ctx, agentID)
	if err != nil {
		return err
	}
	filtered := list.Tasks[:0]
	for _, t := range list.Tasks {
		if t.ID != taskID {
			filtered = append(filtered, t)
		}
	}
	list.Tasks = filtered
	return s.saveTasks(ctx, agentID, list)
}

// Restore re-arms every agent's persisted tasks at startup. Past-due tasks
// fire immediately, in undefined order relative to each other (spec.md
// §4.4's "best-effort after restart"); future-due tasks re-arm against their
// original due time.
func (s *Scheduler) Restore(ctx context.Context) error {
	ids, err := s.st.AgentIDs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: listing agents to restore tasks: %w", err)
	}

	restored := 0
	for _, id := range ids {
		list, err := s.loadTasks(ctx, id)
		if err != nil {
			s.logger.Warn("failed to load tasks for agent", zap.String("agent_id", id), zap.Error(err))
			continue
		}
		sort.Slice(list.Tasks, func(i, j int) bool { return list.Tasks[i].DueUnix < list.Tasks[j].DueUnix })
		for _, t := range list.Tasks {
			s.arm(id, t)
			metrics.ScheduledTasksPending.Inc()
			restored++
		}
	}
	s.logger.Info("scheduler restored tasks", zap.Int("count", restored))
	return nil
}

// arm creates the underlying gocron one-shot job for a persisted task. Tasks
// already in the past are scheduled to fire immediately.
func (s *Scheduler) arm(agentID string, t persistedTask) {
	due := time.Unix(0, t.DueUnix)
	delay := time.Until(due)
	if delay < 0 {
		delay = 0
	}

	job, err := s.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(delay))),
		gocron.NewTask(func() { s.fire(agentID, t) }),
		gocron.WithTags(t.ID),
	)
	if err != nil {
		s.logger.Error("failed to arm task", zap.String("agent_id", agentID), zap.String("task_id", t.ID), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.byTask[t.ID] = job
	s.mu.Unlock()
}

// fire removes the due task's entry from the agent's persisted task list,
// then delivers the task as a synthesized local receive call (spec.md's
// ScheduledTask invariant: "firing removes the entry atomically").
func (s *Scheduler) fire(agentID string, t persistedTask) {
	s.mu.Lock()
	delete(s.byTask, t.ID)
	s.mu.Unlock()
	metrics.ScheduledTasksPending.Dec()
	metrics.ScheduledTasksFired.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.removeTask(ctx, agentID, t.ID); err != nil {
		s.logger.Warn("failed to remove fired task from state", zap.String("agent_id", agentID), zap.String("task_id", t.ID), zap.Error(err))
	}

	req := rpc.Request{JSONRPC: "2.0", Method: t.Request.Method, Params: t.Request.Params, ID: json.RawMessage(`"` + uuid.NewString() + `"`)}
	resp := s.recv.Receive(ctx, agentID, req)
	if resp.Error != nil {
		s.logger.Warn("scheduled task delivery failed",
			zap.String("agent_id", agentID),
			zap.String("task_id", t.ID),
			zap.String("method", t.Request.Method),
			zap.Int("code", resp.Error.Code),
			zap.String("message", resp.Error.Message),
		)
	}
}

func (s *Scheduler) loadTasks(ctx context.Context, agentID string) (taskList, error) {
	raw, ok, err := s.st.Get(ctx, agentID, tasksStateKey)
	if err != nil {
		return taskList{}, err
	}
	if !ok {
		return taskList{}, nil
	}
	var list taskList
	if err := json.Unmarshal(raw, &list); err != nil {
		return taskList{}, fmt.Errorf("scheduler: decoding task list for %q: %w", agentID, err)
	}
	return list, nil
}

func (s *Scheduler) saveTasks(ctx context.Context, agentID string, list taskList) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("scheduler: encoding task list for %q: %w", agentID, err)
	}
	return s.st.Put(ctx, agentID, tasksStateKey, raw)
}

func (s *Scheduler) appendTask(ctx context.Context, agentID string, t persistedTask) error {
	list, err := s.loadTasks(ctx, agentID)
	if err != nil {
		return err
	}
	list.Tasks = append(list.Tasks, t)
	return s.saveTasks(ctx, agentID, list)
}

func (s *Scheduler) removeTask(ctx context.Context, agentID, taskID string) error {
	list, err := s.loadTasks(ctx, agentID)
	if err != nil {
		return err
	}
	filtered := list.Tasks[:0]
	for _, t := range list.Tasks {
		if t.ID != taskID {
			filtered = append(filtered, t)
		}
	}
	list.Tasks = filtered
	return s.saveTasks(ctx, agentID, list)
}
