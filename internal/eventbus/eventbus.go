// Package eventbus implements the Event Bus component (spec.md §4.5):
// per-publisher subscription tables and concurrent trigger fan-out. The
// subscription table lives in the publisher's own state, addressed through
// the same state.Service every other component uses, rather than a
// separate store — there is exactly one place subscriptions can go stale.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fenlake/agentrt/internal/metrics"
	"github.com/fenlake/agentrt/internal/rpc"
	"github.com/fenlake/agentrt/internal/state"
)

// subscriptionsStateKey is the reserved per-agent (publisher) state key
// holding its subscription table (spec.md §6).
const subscriptionsStateKey = "__subscriptions__"

// wildcardEvent matches every triggered event on a publisher (spec.md §4.5).
const wildcardEvent = "*"

// Subscription is one subscriber's registration on a publisher.
type Subscription struct {
	URL      string `json:"url"`
	Event    string `json:"event"`
	Callback string `json:"callback"`
}

type subscriptionTable struct {
	Subscriptions []Subscription `json:"subscriptions"`
}

// Sender is the narrow outbound surface the bus needs from the Host: an
// async, fire-and-forget RPC to a subscriber's URL. Kept separate from
// agent.Runtime's synchronous Send so a slow subscriber callback never
// blocks the publisher's own operation waiting for a reply it discards.
type Sender interface {
	SendAsync(ctx context.Context, targetURL string, req rpc.Request)
}

// Bus is the Event Bus. The zero value is not usable — construct with New.
type Bus struct {
	st     state.Service
	sender Sender
	logger *zap.Logger

	// perPublisherMu serializes subscribe/unsubscribe read-modify-write
	// cycles against the same publisher's table; trigger only reads.
	perPublisherMu sync.Map // agentID -> *sync.Mutex
}

// New constructs a Bus backed by st, delivering subscriber callbacks via sender.
func New(st state.Service, sender Sender, logger *zap.Logger) *Bus {
	return &Bus{st: st, sender: sender, logger: logger.Named("eventbus")}
}

func (b *Bus) lockFor(publisherID string) *sync.Mutex {
	v, _ := b.perPublisherMu.LoadOrStore(publisherID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Subscribe adds (url, event, callback) to publisherID's subscription table.
// Duplicate triples collapse to one entry (spec.md's Subscription invariant).
func (b *Bus) Subscribe(ctx context.Context, publisherID, subscriberURL, event, callbackMethod string) error {
	lock := b.lockFor(publisherID)
	lock.Lock()
	defer lock.Unlock()

	table, err := b.loadTable(ctx, publisherID)
	if err != nil {
		return err
	}

	want := Subscription{URL: subscriberURL, Event: event, Callback: callbackMethod}
	for _, s := range table.Subscriptions {
		if s == want {
			return nil
		}
	}
	table.Subscriptions = append(table.Subscriptions, want)
	return b.saveTable(ctx, publisherID, table)
}

// Unsubscribe removes a matching triple, if present. Idempotent.
func (b *Bus) Unsubscribe(ctx context.Context, publisherID, subscriberURL, event, callbackMethod string) error {
	lock := b.lockFor(publisherID)
	lock.Lock()
	defer lock.Unlock()

	table, err := b.loadTable(ctx, publisherID)
	if err != nil {
		return err
	}

	want := Subscription{URL: subscriberURL, Event: event, Callback: callbackMethod}
	filtered := table.Subscriptions[:0]
	for _, s := range table.Subscriptions {
		if s != want {
			filtered = append(filtered, s)
		}
	}
	table.Subscriptions = filtered
	return b.saveTable(ctx, publisherID, table)
}

// Trigger fans event out, with params, to every matching subscriber of
// publisherID. Fan-out is concurrent and best-effort: a subscriber whose
// delivery fails is logged and skipped, never removed, and never blocks
// the others (spec.md §4.5).
func (b *Bus) Trigger(ctx context.Context, publisherID, publisherURL, event string, params any) error {
	metrics.EventsPublished.WithLabelValues(event).Inc()

	table, err := b.loadTable(ctx, publisherID)
	if err != nil {
		return err
	}
	if len(table.Subscriptions) == 0 {
		return nil
	}

	payload, err := json.Marshal(struct {
		Agent  string `json:"agent"`
		Event  string `json:"event"`
		Params any    `json:"params"`
	}{Agent: publisherURL, Event: event, Params: params})
	if err != nil {
		return fmt.Errorf("eventbus: encoding trigger payload: %w", err)
	}

	var wg sync.WaitGroup
	for _, s := range table.Subscriptions {
		if s.Event != event && s.Event != wildcardEvent {
			continue
		}
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := rpc.Request{JSONRPC: "2.0", Method: s.Callback, Params: payload}
			metrics.EventDeliveries.WithLabelValues("attempted").Inc()
			b.sender.SendAsync(ctx, s.URL, req)
		}()
	}
	wg.Wait()
	return nil
}

func (b *Bus) loadTable(ctx context.Context, publisherID string) (subscriptionTable, error) {
	raw, ok, err := b.st.Get(ctx, publisherID, subscriptionsStateKey)
	if err != nil {
		return subscriptionTable{}, fmt.Errorf("eventbus: loading subscriptions for %q: %w", publisherID, err)
	}
	if !ok {
		return subscriptionTable{}, nil
	}
	var table subscriptionTable
	if err := json.Unmarshal(raw, &table); err != nil {
		return subscriptionTable{}, fmt.Errorf("eventbus: decoding subscriptions for %q: %w", publisherID, err)
	}
	return table, nil
}

func (b *Bus) saveTable(ctx context.Context, publisherID string, table subscriptionTable) error {
	raw, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("eventbus: encoding subscriptions for %q: %w", publisherID, err)
	}
	return b.st.Put(ctx, publisherID, subscriptionsStateKey, raw)
}
