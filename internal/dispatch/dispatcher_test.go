package dispatch_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenlake/agentrt/internal/agent"
	"github.com/fenlake/agentrt/internal/dispatch"
	"github.com/fenlake/agentrt/internal/rpc"
)

type dummyAgent struct{}

func (dummyAgent) Configure(json.RawMessage) error { return nil }

func init() {
	dispatch.RegisterClass("dispatcherTestClass", []dispatch.OperationDecl{
		{
			Name:   "greet",
			Params: []dispatch.ParamDecl{{Name: "name"}},
			Invoke: func(_ context.Context, _ agent.Agent, args map[string]json.RawMessage) (any, error) {
				var name string
				_ = json.Unmarshal(args["name"], &name)
				return "hello " + name, nil
			},
		},
		{
			// overload: zero-arg "greet"
			Name: "greet",
			Invoke: func(context.Context, agent.Agent, map[string]json.RawMessage) (any, error) {
				return "hello stranger", nil
			},
		},
		{
			Name:      "raw",
			RawParams: true,
			Invoke: func(_ context.Context, _ agent.Agent, args map[string]json.RawMessage) (any, error) {
				return json.RawMessage(args[""]), nil
			},
		},
		{
			Name:   "requiresTwo",
			Params: []dispatch.ParamDecl{{Name: "a"}, {Name: "b", Optional: true}},
			Invoke: func(context.Context, agent.Agent, map[string]json.RawMessage) (any, error) {
				return "ok", nil
			},
		},
	})
}

func dispatchReq(t *testing.T, method string, params any) rpc.Response {
	t.Helper()
	d := dispatch.New()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		raw = b
	}
	req := rpc.Request{JSONRPC: "2.0", Method: method, Params: raw, ID: json.RawMessage(`1`)}
	return d.Dispatch(context.Background(), "dispatcherTestClass", dummyAgent{}, req, "", nil)
}

func TestDispatchResolvesOverloadByParamPresence(t *testing.T) {
	resp := dispatchReq(t, "greet", map[string]string{"name": "ada"})
	require.Nil(t, resp.Error)
	var out string
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	assert.Equal(t, "hello ada", out)

	resp = dispatchReq(t, "greet", nil)
	require.Nil(t, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	assert.Equal(t, "hello stranger", out)
}

func TestDispatchRawParamsOperationSeesWholeParamsObject(t *testing.T) {
	resp := dispatchReq(t, "raw", map[string]int{"x": 1, "y": 2})
	require.Nil(t, resp.Error)
	var out map[string]int
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	assert.Equal(t, 1, out["x"])
	assert.Equal(t, 2, out["y"])
}

func TestDispatchMissingRequiredParamReturnsInvalidParams(t *testing.T) {
	resp := dispatchReq(t, "requiresTwo", map[string]string{"b": "x"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
}

func TestDispatchOptionalParamMayBeOmitted(t *testing.T) {
	resp := dispatchReq(t, "requiresTwo", map[string]string{"a": "x"})
	require.Nil(t, resp.Error)
}

func TestDispatchUnknownMethodReturnsMethodNotFound(t *testing.T) {
	resp := dispatchReq(t, "nope", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeMethodNotFound, resp.Error.Code)
}

func TestDispatchUnknownClassReturnsMethodNotFound(t *testing.T) {
	d := dispatch.New()
	req := rpc.Request{JSONRPC: "2.0", Method: "anything"}
	resp := d.Dispatch(context.Background(), "noSuchClass", dummyAgent{}, req, "", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeMethodNotFound, resp.Error.Code)
}

type denyAuthorizor struct{}

func (denyAuthorizor) Authorize(context.Context, string, string) bool { return false }

func TestDispatchDeniedByAuthorizorReturnsNotAuthorized(t *testing.T) {
	d := dispatch.New()
	req := rpc.Request{JSONRPC: "2.0", Method: "greet", Params: json.RawMessage(`{"name":"ada"}`)}
	resp := d.Dispatch(context.Background(), "dispatcherTestClass", dummyAgent{}, req, "http://stranger/", denyAuthorizor{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeNotAuthorized, resp.Error.Code)
}
