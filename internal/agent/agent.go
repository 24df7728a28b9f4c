// Package agent defines the Agent contract hosted by the runtime (spec.md
// §3) and the small Base type concrete agents embed to get Send/CreateTask/
// Trigger convenience methods without depending on the host, scheduler, or
// event bus packages directly — mirroring how the teacher's scheduler takes
// narrow repository interfaces instead of a full *gorm.DB.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Agent is the contract every hosted agent implements. Concrete types embed
// Base, which supplies ID, Self, and the Runtime-backed convenience methods;
// they only need to implement Configure and expose whatever operations they
// want dispatched, registered separately via the dispatch package.
type Agent interface {
	// Configure injects the persisted params (spec.md's InstantiationEntry.params)
	// into a freshly constructed instance. Called once, immediately after
	// construction, before the instance is handed to any caller.
	Configure(params json.RawMessage) error
}

// Bindable is implemented by Base (and therefore by every concrete agent
// that embeds it). The Instantiation Service calls Bind once, right after
// Configure and LoadState, to wire
// the instance to the runtime it is hosted in.
type Bindable interface {
	Bind(id string, rt Runtime)
}

type callerURLKey struct{}

// WithCallerURL attaches callerURL (the calling agent's own address) to ctx,
// so a Runtime implementation can recover it for the remote Authorizor
// without adding a parameter to every Send call site.
func WithCallerURL(ctx context.Context, callerURL string) context.Context {
	return context.WithValue(ctx, callerURLKey{}, callerURL)
}

// CallerURL recovers the address set by WithCallerURL, if any.
func CallerURL(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(callerURLKey{}).(string)
	return v, ok
}

// TaskRequest is the method+params pair a ScheduledTask or event callback
// carries (spec.md's ScheduledTask.request, §4.4, §4.5).
type TaskRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Runtime is the facade an awake agent uses to reach the Host, Scheduler,
// and Event Bus without importing any of those packages. The Host
// implements Runtime; Base forwards to it.
type Runtime interface {
	// Send performs a synchronous outbound call (spec.md §4.3) and decodes
	// the result into out (a pointer), if non-nil.
	Send(ctx context.Context, targetURL, method string, params, out any) error

	// CreateTask schedules req to be delivered to the owning agent after
	// delay (spec.md §4.4).
	CreateTask(ctx context.Context, agentID string, req TaskRequest, delay time.Duration) (string, error)
	// CancelTask cancels a previously scheduled task; idempotent.
	CancelTask(agentID, taskID string) error

	// Trigger fans a published event out to the agent's subscribers
	// (spec.md §4.5).
	Trigger(ctx context.Context, publisherID, event string, params any) error
	// Subscribe registers the calling agent as a subscriber of
	// publisherURL's event, invoking callbackMethod on delivery.
	Subscribe(ctx context.Context, subscriberID, publisherURL, event, callbackMethod string) error
	// Unsubscribe removes a previously-registered subscription.
	Unsubscribe(ctx context.Context, subscriberID, publisherURL, event, callbackMethod string) error

	// SelfURL returns the address by which other agents (or this agent,
	// calling itself) reach agentID.
	SelfURL(agentID string) string
}

// Base is embedded by concrete agent types. It holds the in-memory state
// snapshot (spec.md §3: "An awake Agent exclusively owns its own in-memory
// state snapshot") and a reference to the Runtime it was bound to.
//
// Base is safe for concurrent field access, though the Host's per-agent
// single-writer guarantee (spec.md §5) means concrete operations normally
// don't need to worry about concurrent calls into the same instance.
type Base struct {
	mu    sync.RWMutex
	id    string
	rt    Runtime
	state map[string]json.RawMessage
}

// Bind wires the Base to its id and Runtime. Called once by the
// Instantiation Service right after construction and Configure.
func (b *Base) Bind(id string, rt Runtime) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.id = id
	b.rt = rt
	if b.state == nil {
		b.state = make(map[string]json.RawMessage)
	}
}

// ID returns the agent's own id. Empty until Bind has been called.
func (b *Base) ID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.id
}

// Self returns this agent's own address, for self-addressed sends
// (spec.md's "Self-call" scenario, §8).
func (b *Base) Self() string {
	b.mu.RLock()
	rt, id := b.rt, b.id
	b.mu.RUnlock()
	if rt == nil {
		return ""
	}
	return rt.SelfURL(id)
}

// LoadState replaces the in-memory snapshot wholesale. Called by the
// Instantiation Service right after construction, with every key the State
// Service had on file except the reserved "__"-prefixed ones.
func (b *Base) LoadState(snapshot map[string]json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if snapshot == nil {
		snapshot = make(map[string]json.RawMessage)
	}
	b.state = snapshot
}

// ExportState returns a shallow copy of the in-memory snapshot, for the Host
// to persist back through the State Service.
func (b *Base) ExportState() map[string]json.RawMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(b.state))
	for k, v := range b.state {
		out[k] = v
	}
	return out
}

// Get reads a key from the in-memory snapshot and decodes it into dst.
// Returns false if the key is absent.
func (b *Base) Get(key string, dst any) (bool, error) {
	b.mu.RLock()
	raw, ok := b.state[key]
	b.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if dst == nil {
		return true, nil
	}
	return true, json.Unmarshal(raw, dst)
}

// Put writes a key into the in-memory snapshot. It does not itself persist
// to the State Service — the Host flushes the snapshot after each dispatched
// operation completes, matching spec.md's "state backend provides at-least
// atomic single-key writes" model applied at the operation boundary.
func (b *Base) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("agent: encoding state key %q: %w", key, err)
	}
	b.mu.Lock()
	if b.state == nil {
		b.state = make(map[string]json.RawMessage)
	}
	b.state[key] = raw
	b.mu.Unlock()
	return nil
}

// Delete removes a key from the in-memory snapshot.
func (b *Base) Delete(key string) {
	b.mu.Lock()
	delete(b.state, key)
	b.mu.Unlock()
}

// Send performs a synchronous outbound call via the bound Runtime, carrying
// this agent's own address as the caller identity (spec.md §4.2's sender
// identity for the remote Authorizor).
func (b *Base) Send(ctx context.Context, targetURL, method string, params, out any) error {
	rt := b.runtime()
	if rt == nil {
		return fmt.Errorf("agent: not bound to a runtime")
	}
	ctx = WithCallerURL(ctx, b.Self())
	return rt.Send(ctx, targetURL, method, params, out)
}

// CreateTask schedules req to be delivered to this agent after delay.
func (b *Base) CreateTask(ctx context.Context, req TaskRequest, delay time.Duration) (string, error) {
	rt := b.runtime()
	if rt == nil {
		return "", fmt.Errorf("agent: not bound to a runtime")
	}
	return rt.CreateTask(ctx, b.ID(), req, delay)
}

// CancelTask cancels a task previously scheduled by this agent.
func (b *Base) CancelTask(taskID string) error {
	rt := b.runtime()
	if rt == nil {
		return fmt.Errorf("agent: not bound to a runtime")
	}
	return rt.CancelTask(b.ID(), taskID)
}

// Trigger publishes event to this agent's subscribers.
func (b *Base) Trigger(ctx context.Context, event string, params any) error {
	rt := b.runtime()
	if rt == nil {
		return fmt.Errorf("agent: not bound to a runtime")
	}
	return rt.Trigger(ctx, b.ID(), event, params)
}

// Subscribe registers this agent as a subscriber of publisherURL's event.
func (b *Base) Subscribe(ctx context.Context, publisherURL, event, callbackMethod string) error {
	rt := b.runtime()
	if rt == nil {
		return fmt.Errorf("agent: not bound to a runtime")
	}
	return rt.Subscribe(ctx, b.ID(), publisherURL, event, callbackMethod)
}

// Unsubscribe removes a subscription previously registered by this agent.
func (b *Base) Unsubscribe(ctx context.Context, publisherURL, event, callbackMethod string) error {
	rt := b.runtime()
	if rt == nil {
		return fmt.Errorf("agent: not bound to a runtime")
	}
	return rt.Unsubscribe(ctx, b.ID(), publisherURL, event, callbackMethod)
}

func (b *Base) runtime() Runtime {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rt
}
