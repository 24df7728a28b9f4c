package host_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fenlake/agentrt/internal/agent"
	"github.com/fenlake/agentrt/internal/classreg"
	"github.com/fenlake/agentrt/internal/dispatch"
	"github.com/fenlake/agentrt/internal/eventbus"
	"github.com/fenlake/agentrt/internal/host"
	"github.com/fenlake/agentrt/internal/instantiation"
	"github.com/fenlake/agentrt/internal/rpc"
	"github.com/fenlake/agentrt/internal/scheduler"
	"github.com/fenlake/agentrt/internal/state/memstate"
	"github.com/fenlake/agentrt/internal/transport"
)

// cascadeAgent exercises the self-call scenario: its "cascade" operation
// puts a value into its own state via a synchronous self-Send, then reads
// it back via a second self-Send within the same dispatched operation.
type cascadeAgent struct {
	agent.Base
}

func (a *cascadeAgent) Configure(json.RawMessage) error { return nil }

func init() {
	dispatch.RegisterClass("cascadeAgent", []dispatch.OperationDecl{
		{
			Name:   "put",
			Params: []dispatch.ParamDecl{{Name: "key"}, {Name: "value"}},
			Invoke: func(_ context.Context, target agent.Agent, args map[string]json.RawMessage) (any, error) {
				a := target.(*cascadeAgent)
				key, err := dispatch.Arg[string](args, "key")
				if err != nil {
					return nil, err
				}
				if err := a.Put(key, args["value"]); err != nil {
					return nil, err
				}
				return true, nil
			},
		},
		{
			Name:   "get",
			Params: []dispatch.ParamDecl{{Name: "key"}},
			Invoke: func(_ context.Context, target agent.Agent, args map[string]json.RawMessage) (any, error) {
				a := target.(*cascadeAgent)
				key, err := dispatch.Arg[string](args, "key")
				if err != nil {
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
				a := target.(*cascadeAgent)
				if err := a.Send(ctx, a.Self(), "put", map[string]any{"key": "x", "value": 42}, nil); err != nil {
					return nil, err
				}
				var got int
				if err := a.Send(ctx, a.Self(), "get", map[string]any{"key": "x"}, &got); err != nil {
					return nil, err
				}
				return got, nil
			},
		},
	})
}

// pingAgent requires a "message" parameter, for exercising INVALID_PARAMS.
type pingAgent struct {
	agent.Base
}

func (a *pingAgent) Configure(json.RawMessage) error { return nil }

func init() {
	dispatch.RegisterClass("pingAgent", []dispatch.OperationDecl{
		{
			Name:   "ping",
			Params: []dispatch.ParamDecl{{Name: "message"}},
			Invoke: func(_ context.Context, target agent.Agent, args map[string]json.RawMessage) (any, error) {
				msg, err := dispatch.Arg[string](args, "message")
				if err != nil {
					return nil, err
				}
				return "pong: " + msg, nil
			},
		},
	})
}

func newTestHost(t *testing.T) (*host.Host, *instantiation.Service) {
	t.Helper()
	logger := zap.NewNop()
	st := memstate.New()
	reg := classreg.New()
	reg.Register("cascadeAgent", func() agent.Agent { return &cascadeAgent{} })
	reg.Register("pingAgent", func() agent.Agent { return &pingAgent{} })

	inst := instantiation.New(st, reg, logger)
	h := host.New(host.Config{
		Instantiation: inst,
		State:         st,
		Logger:        logger,
		SelfBase:      "http://local.test",
	})

	sched, err := scheduler.New(st, h.SchedulerReceiver(), logger)
	require.NoError(t, err)
	h.SetScheduler(sched)

	bus := eventbus.New(st, h.AsyncSender(), logger)
	h.SetEventBus(bus)

	inst.SetRuntime(h)
	return h, inst
}

func rawParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestSelfCallCascadeSeesSameRequestThreadState(t *testing.T) {
	h, inst := newTestHost(t)
	ctx := context.Background()
	require.NoError(t, inst.Register(ctx, "counter1", "cascadeAgent", nil, nil))

	resp := h.Receive(ctx, "counter1", rpc.Request{JSONRPC: "2.0", Method: "cascade"}, "", "")
	require.Nil(t, resp.Error)
	assert.JSONEq(t, "42", string(resp.Result))
}

func TestReceiveUnknownAgentReturnsNotFound(t *testing.T) {
	h, _ := newTestHost(t)
	resp := h.Receive(context.Background(), "nobody", rpc.Request{Method: "ping"}, "", "")
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeNotFound, resp.Error.Code)
}

func TestReceiveMissingRequiredParamReturnsInvalidParams(t *testing.T) {
	h, inst := newTestHost(t)
	ctx := context.Background()
	require.NoError(t, inst.Register(ctx, "pinger", "pingAgent", nil, nil))

	resp := h.Receive(ctx, "pinger", rpc.Request{Method: "ping"}, "", "")
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
}

func TestReceiveDispatchesSuccessfully(t *testing.T) {
	h, inst := newTestHost(t)
	ctx := context.Background()
	require.NoError(t, inst.Register(ctx, "pinger", "pingAgent", nil, nil))

	resp := h.Receive(ctx, "pinger", rpc.Request{
		Method: "ping",
		Params: rawParams(t, map[string]string{"message": "hi"}),
	}, "", "")
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `"pong: hi"`, string(resp.Result))
}

// fakeTransport simulates a remote peer that replies instantly, proving
// Host.Send's Callback Registry correctly matches a reply back to its tag.
type fakeTransport struct {
	scheme  string
	fulfill func(tag string, resp rpc.Response)
	reply   rpc.Response
}

func (f *fakeTransport) Scheme() string { return f.scheme }

func (f *fakeTransport) Send(_ context.Context, _ string, _ rpc.Request, _, tag string) error {
	go f.fulfill(tag, f.reply)
	return nil
}

func TestSendRemoteRoundTripsThroughCallbackRegistry(t *testing.T) {
	h, _ := newTestHost(t)
	ft := &fakeTransport{
		scheme: "fake",
		reply:  rpc.Response{Result: rawParams(t, "remote-result")},
	}
	ft.fulfill = h.Fulfill
	h.RegisterTransport(ft)

	var out string
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := h.Send(ctx, "fake://peer/agents/other/", "whatever", nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "remote-result", out)
}

func TestSendRemoteTimesOutWhenNoReplyArrives(t *testing.T) {
	h, _ := newTestHost(t)
	h.RegisterTransport(&fakeTransport{scheme: "silent", fulfill: func(string, rpc.Response) {}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.Send(ctx, "silent://peer/agents/other/", "whatever", nil, nil)
	require.Error(t, err)
}

var _ transport.Transport = (*fakeTransport)(nil)
