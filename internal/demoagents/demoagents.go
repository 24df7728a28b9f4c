// Package demoagents registers a handful of sample agent classes that
// exercise every end-to-end scenario spec.md §8 names: a ping/required-
// param round trip, the self-call cascade, the boot-priority fixtures
// (restagent, a *_groupAgent, and the notification/message round-2
// deferral), and an event fan-out publisher/subscriber pair. They are not
// meant to be a framework for writing agents — just the smallest classes
// that demonstrate the dispatch contract, the way the teacher's seed
// fixtures (cmd/seed) demonstrate the data model without being the
// product itself.
package demoagents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fenlake/agentrt/internal/agent"
	"github.com/fenlake/agentrt/internal/classreg"
	"github.com/fenlake/agentrt/internal/dispatch"
)

// PingAgent exposes a single required-parameter operation, for spec.md's
// Ping and Required-param-missing scenarios.
type PingAgent struct {
	agent.Base
}

func (a *PingAgent) Configure(json.RawMessage) error { return nil }

func init() {
	dispatch.RegisterClass("pingAgent", []dispatch.OperationDecl{
		{
			Name:   "ping",
			Params: []dispatch.ParamDecl{{Name: "message"}},
			Invoke: func(_ context.Context, target agent.Agent, args map[string]json.RawMessage) (any, error) {
				var msg string
				if err := json.Unmarshal(args["message"], &msg); err != nil {
					return nil, err
				}
				return msg, nil
			},
		},
	})
}

// CounterAgent demonstrates the self-call cascade: its own "cascade"
// operation calls put then get against itself within a single dispatched
// request, and must see its own write (spec.md §8's same-request-thread
// visibility requirement).
type CounterAgent struct {
	agent.Base
}

func (a *CounterAgent) Configure(json.RawMessage) error { return nil }

func init() {
	dispatch.RegisterClass("counterAgent", []dispatch.OperationDecl{
		{
			Name:   "put",
			Params: []dispatch.ParamDecl{{Name: "key"}, {Name: "value"}},
			Invoke: func(_ context.Context, target agent.Agent, args map[string]json.RawMessage) (any, error) {
				a := target.(*CounterAgent)
				var key string
				if err := json.Unmarshal(args["key"], &key); err != nil {
					return nil, err
				}
				return nil, a.Put(key, args["value"])
			},
		},
		{
			Name:   "get",
			Params: []dispatch.ParamDecl{{Name: "key"}},
			Invoke: func(_ context.Context, target agent.Agent, args map[string]json.RawMessage) (any, error) {
				a := target.(*CounterAgent)
				var key string
				if err := json.Unmarshal(args["key"], &key); err != nil {
					return nil, err
				}
				var out json.RawMessage
				if _, err := a.Get(key, &out); err != nil {
					return nil, err
				}
				return out, nil
			},
		},
		{
			Name: "cascade",
			Invoke: func(ctx context.Context, target agent.Agent, _ map[string]json.RawMessage) (any, error) {
				a := target.(*CounterAgent)
				self := a.Self()
				if err := a.Send(ctx, self, "put", map[string]any{"key": "x", "value": 42}, nil); err != nil {
					return nil, err
				}
				var got int
				if err := a.Send(ctx, self, "get", map[string]any{"key": "x"}, &got); err != nil {
					return nil, err
				}
				return got, nil
			},
		},
	})
}

// RestAgent is the fixed well-known id spec.md §4.1's boot priority set
// always includes, regardless of any *_groupAgent relationship.
type RestAgent struct {
	agent.Base
}

func (a *RestAgent) Configure(json.RawMessage) error { return nil }

func init() {
	dispatch.RegisterClass("restAgent", []dispatch.OperationDecl{
		{
			Name: "status",
			Invoke: func(context.Context, agent.Agent, map[string]json.RawMessage) (any, error) {
				return "ok", nil
			},
		},
	})
}

// GroupAgent backs any "<prefix>_groupAgent" id whose stripped prefix is
// also a known entry — the other half of the boot priority set.
type GroupAgent struct {
	agent.Base
}

func (a *GroupAgent) Configure(json.RawMessage) error { return nil }

func init() {
	dispatch.RegisterClass("groupAgent", []dispatch.OperationDecl{
		{
			Name: "members",
			Invoke: func(context.Context, agent.Agent, map[string]json.RawMessage) (any, error) {
				return []string{}, nil
			},
		},
	})
}

// PublisherAgent and SubscriberAgent demonstrate spec.md §8's event
// fan-out scenario: two subscribers register against one publisher's
// event, and one subscriber's failure never blocks the other's delivery
// (the Event Bus's fire-and-forget contract already guarantees this —
// these agents just exercise it end to end).
type PublisherAgent struct {
	agent.Base
}

func (a *PublisherAgent) Configure(json.RawMessage) error { return nil }

func init() {
	dispatch.RegisterClass("publisherAgent", []dispatch.OperationDecl{
		{
			Name:   "ping",
			Params: []dispatch.ParamDecl{{Name: "m"}},
			Invoke: func(ctx context.Context, target agent.Agent, args map[string]json.RawMessage) (any, error) {
				a := target.(*PublisherAgent)
				var m string
				if err := json.Unmarshal(args["m"], &m); err != nil {
					return nil, err
				}
				if err := a.Trigger(ctx, "ping", map[string]string{"m": m}); err != nil {
					return nil, err
				}
				return true, nil
			},
		},
	})
}

// SubscriberAgent is the notificationAgent_/messageAgent_ shape from
// spec.md's boot-priority scenario: a round-2 deferred agent that
// subscribes to a publisher once awake, receiving deliveries on its own
// "onEvent" callback.
type SubscriberAgent struct {
	agent.Base
}

func (a *SubscriberAgent) Configure(json.RawMessage) error { return nil }

func init() {
	dispatch.RegisterClass("subscriberAgent", []dispatch.OperationDecl{
		{
			Name:   "subscribeTo",
			Params: []dispatch.ParamDecl{{Name: "publisherUrl"}, {Name: "event"}},
			Invoke: func(ctx context.Context, target agent.Agent, args map[string]json.RawMessage) (any, error) {
				a := target.(*SubscriberAgent)
				var publisherURL, event string
				if err := json.Unmarshal(args["publisherUrl"], &publisherURL); err != nil {
					return nil, err
				}
				if err := json.Unmarshal(args["event"], &event); err != nil {
					return nil, err
				}
				return nil, a.Subscribe(ctx, publisherURL, event, "onEvent")
			},
		},
		{
			RawParams: true,
			Name:      "onEvent",
			Invoke: func(_ context.Context, target agent.Agent, args map[string]json.RawMessage) (any, error) {
				a := target.(*SubscriberAgent)
				var received int
				_, _ = a.Get("received", &received)
				return nil, a.Put("received", received+1)
			},
		},
	})
}

// ScheduledTaskAgent demonstrates spec.md §8's "Scheduled self-RPC"
// scenario: createTask schedules myTask to fire after a delay, and
// cancelTask before the deadline suppresses it.
type ScheduledTaskAgent struct {
	agent.Base
}

func (a *ScheduledTaskAgent) Configure(json.RawMessage) error { return nil }

func init() {
	dispatch.RegisterClass("scheduledTaskAgent", []dispatch.OperationDecl{
		{
			Name:   "armTask",
			Params: []dispatch.ParamDecl{{Name: "message"}, {Name: "delayMs"}},
			Invoke: func(ctx context.Context, target agent.Agent, args map[string]json.RawMessage) (any, error) {
				a := target.(*ScheduledTaskAgent)
				var delayMs int
				if err := json.Unmarshal(args["delayMs"], &delayMs); err != nil {
					return nil, err
				}
				params, err := json.Marshal(map[string]json.RawMessage{"message": args["message"]})
				if err != nil {
					return nil, err
				}
				req := agent.TaskRequest{Method: "myTask", Params: params}
				return a.CreateTask(ctx, req, time.Duration(delayMs)*time.Millisecond)
			},
		},
		{
			Name:   "cancelTask",
			Params: []dispatch.ParamDecl{{Name: "taskId"}},
			Invoke: func(_ context.Context, target agent.Agent, args map[string]json.RawMessage) (any, error) {
				a := target.(*ScheduledTaskAgent)
				var taskID string
				if err := json.Unmarshal(args["taskId"], &taskID); err != nil {
					return nil, err
				}
				return nil, a.CancelTask(taskID)
			},
		},
		{
			Name:   "myTask",
			Params: []dispatch.ParamDecl{{Name: "message"}},
			Invoke: func(_ context.Context, target agent.Agent, args map[string]json.RawMessage) (any, error) {
				a := target.(*ScheduledTaskAgent)
				return nil, a.Put("lastMessage", args["message"])
			},
		},
	})
}

func init() {
	classreg.Register("pingAgent", func() agent.Agent { return &PingAgent{} })
	classreg.Register("counterAgent", func() agent.Agent { return &CounterAgent{} })
	classreg.Register("restAgent", func() agent.Agent { return &RestAgent{} })
	classreg.Register("groupAgent", func() agent.Agent { return &GroupAgent{} })
	classreg.Register("publisherAgent", func() agent.Agent { return &PublisherAgent{} })
	classreg.Register("subscriberAgent", func() agent.Agent { return &SubscriberAgent{} })
	classreg.Register("scheduledTaskAgent", func() agent.Agent { return &ScheduledTaskAgent{} })
}
