package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fenlake/agentrt/internal/agent"
	"github.com/fenlake/agentrt/internal/metrics"
	"github.com/fenlake/agentrt/internal/rpc"
)

// recurringStateKey persists every recurring trigger an agent has
// registered, so they re-arm across restarts the same way one-shot tasks
// do. Recurring triggers are an addition beyond spec.md's one-shot
// ScheduledTask — agents that want a standing heartbeat or polling
// operation would otherwise have to re-createTask from inside every fire,
// which works but loses the schedule if the chain is ever broken.
const recurringStateKey = "__recurring__"

type persistedRecurring struct {
	ID       string            `json:"id"`
	CronExpr string            `json:"cron"`
	Request  agent.TaskRequest `json:"request"`
}

type recurringList struct {
	Triggers []persistedRecurring `json:"triggers"`
}

// RecurringScheduler layers six-field (seconds-first) cron expressions on top of
// the one-shot Scheduler, using robfig/cron/v3 rather than gocron's own
// cron support — kept as a separate, optional add-on so a deployment that
// only needs one-shot tasks never pulls in a second scheduling library's
// runtime loop.
type RecurringScheduler struct {
	cron   *cron.Cron
	parent *Scheduler
	logger *zap.Logger

	mu   sync.Mutex
	byID map[string]cron.EntryID
}

// NewRecurring wraps parent with cron-expression recurring triggers.
func NewRecurring(parent *Scheduler, logger *zap.Logger) *RecurringScheduler {
	return &RecurringScheduler{
		cron:   cron.New(cron.WithSeconds()),
		parent: parent,
		logger: logger.Named("scheduler.cron"),
		byID:   make(map[string]cron.EntryID),
	}
}

// Start begins the cron loop.
func (r *RecurringScheduler) Start() { r.cron.Start() }

// Stop blocks until any running trigger completes, then returns.
func (r *RecurringScheduler) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// CreateRecurring registers a standing cronExpr-driven trigger for agentID,
// returning a stable id. cronExpr uses the six-field (seconds-first) form.
func (r *RecurringScheduler) CreateRecurring(ctx context.Context, agentID, cronExpr string, req agent.TaskRequest) (string, error) {
	id := fmt.Sprintf("%s-%d", agentID, time.Now().UnixNano())
	pr := persistedRecurring{ID: id, CronExpr: cronExpr, Request: req}

	if err := r.appendTrigger(ctx, agentID, pr); err != nil {
		return "", err
	}
	if err := r.arm(agentID, pr); err != nil {
		return "", err
	}
	return id, nil
}

// CancelRecurring removes a previously registered recurring trigger.
// Idempotent.
func (r *RecurringScheduler) CancelRecurring(ctx context.Context, agentID, id string) error {
	r.mu.Lock()
	entryID, ok := r.byID[id]
	delete(r.byID, id)
	r.mu.Unlock()
	if ok {
		r.cron.Remove(entryID)
		metrics.RecurringTriggersActive.Dec()
	}

	list, err := r.loadTriggers(ctx, agentID)
	if err != nil {
		return err
	}
	filtered := list.Triggers[:0]
	for _, t := range list.Triggers {
		if t.ID != id {
			filtered = append(filtered, t)
		}
	}
	list.Triggers = filtered
	return r.saveTriggers(ctx, agentID, list)
}

// Restore re-arms every agent's persisted recurring triggers at startup.
func (r *RecurringScheduler) Restore(ctx context.Context) error {
	ids, err := r.parent.st.AgentIDs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: listing agents to restore recurring triggers: %w", err)
	}
	restored := 0
	for _, id := range ids {
		list, err := r.loadTriggers(ctx, id)
		if err != nil {
			r.logger.Warn("failed to load recurring triggers", zap.String("agent_id", id), zap.Error(err))
			continue
		}
		for _, t := range list.Triggers {
			if err := r.arm(id, t); err != nil {
				r.logger.Warn("failed to re-arm recurring trigger", zap.String("agent_id", id), zap.String("trigger_id", t.ID), zap.Error(err))
				continue
			}
			restored++
		}
	}
	r.logger.Info("scheduler restored recurring triggers", zap.Int("count", restored))
	return nil
}

func (r *RecurringScheduler) arm(agentID string, pr persistedRecurring) error {
	entryID, err := r.cron.AddFunc(pr.CronExpr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		req := rpc.Request{JSONRPC: "2.0", Method: pr.Request.Method, Params: pr.Request.Params, ID: json.RawMessage(`"` + uuid.NewString() + `"`)}
		resp := r.parent.recv.Receive(ctx, agentID, req)
		if resp.Error != nil {
			r.logger.Warn("recurring trigger delivery failed",
				zap.String("agent_id", agentID),
				zap.String("trigger_id", pr.ID),
				zap.String("method", pr.Request.Method),
				zap.Int("code", resp.Error.Code),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: invalid cron expression %q: %w", pr.CronExpr, err)
	}
	r.mu.Lock()
	r.byID[pr.ID] = entryID
	r.mu.Unlock()
	metrics.RecurringTriggersActive.Inc()
	return nil
}

func (r *RecurringScheduler) loadTriggers(ctx context.Context, agentID string) (recurringList, error) {
	raw, ok, err := r.parent.st.Get(ctx, agentID, recurringStateKey)
	if err != nil {
		return recurringList{}, err
	}
	if !ok {
		return recurringList{}, nil
	}
	var list recurringList
	if err := json.Unmarshal(raw, &list); err != nil {
		return recurringList{}, fmt.Errorf("scheduler: decoding recurring triggers for %q: %w", agentID, err)
	}
	return list, nil
}

func (r *RecurringScheduler) saveTriggers(ctx context.Context, agentID string, list recurringList) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("scheduler: encoding recurring triggers for %q: %w", agentID, err)
	}
	return r.parent.st.Put(ctx, agentID, recurringStateKey, raw)
}

func (r *RecurringScheduler) appendTrigger(ctx context.Context, agentID string, pr persistedRecurring) error {
	list, err := r.loadTriggers(ctx, agentID)
	if err != nil {
		return err
	}
	list.Triggers = append(list.Triggers, pr)
	return r.saveTriggers(ctx, agentID, list)
}
