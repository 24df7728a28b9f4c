package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fenlake/agentrt/internal/agent"
	"github.com/fenlake/agentrt/internal/rpc"
)

// Authorizor is consulted, if configured for the target agent, before
// invocation (spec.md §4.2, §7). It answers a single yes/no question: is
// sender allowed to call method on this agent. Implementations live in
// internal/authz; this package only depends on the narrow interface to
// avoid importing policy details into the dispatch core.
type Authorizor interface {
	Authorize(ctx context.Context, method, sender string) bool
}

// Dispatcher reflects over a registered AnnotatedClass, binds parameters,
// invokes the target, and produces a JSON-RPC response.
type Dispatcher struct{}

// New returns a ready-to-use Dispatcher. It carries no state of its own —
// every call is parameterized by the class name and authorizor supplied by
// the Host, which knows the per-agent configuration the dispatch core
// intentionally stays ignorant of.
func New() *Dispatcher { return &Dispatcher{} }

// Dispatch produces the JSON-RPC response for req against target, whose
// exposed operations were published under className via RegisterClass.
// sender identifies the caller for authorization purposes; it may be empty
// when no caller address is known (an event-bus delivery, for example).
// Scheduler-fired calls carry the Host's "__scheduler__" identity instead.
func (d *Dispatcher) Dispatch(ctx context.Context, className string, target agent.Agent, req rpc.Request, sender string, authz Authorizor) rpc.Response {
	resp := rpc.Response{ID: req.ID}

	ac, ok := Lookup(className)
	if !ok {
		resp.Error = rpc.NewError(rpc.CodeMethodNotFound, fmt.Sprintf("no dispatch table registered for class %q", className))
		return resp
	}

	candidates := ac.candidates(req.Method)
	if len(candidates) == 0 {
		resp.Error = rpc.NewError(rpc.CodeMethodNotFound, fmt.Sprintf("method %q is not exposed on %q", req.Method, className))
		return resp
	}

	fields, err := decodeFields(req.Params)
	if err != nil {
		resp.Error = rpc.NewError(rpc.CodeInvalidParams, err.Error())
		return resp
	}

	op, err := resolveOverload(candidates, fields)
	if err != nil {
		resp.Error = rpc.NewError(rpc.CodeMethodNotFound, err.Error())
		return resp
	}

	if authz != nil && !authz.Authorize(ctx, req.Method, sender) {
		resp.Error = rpc.AsError(rpc.ErrNotAuthorized)
		return resp
	}

	args, missing := bindArgs(op, fields, req.Params)
	if missing != "" {
		resp.Error = rpc.NewError(rpc.CodeInvalidParams, fmt.Sprintf("missing required parameter %q", missing))
		return resp
	}

	result, err := op.Invoke(ctx, target, args)
	if err != nil {
		resp.Error = rpc.AsError(err)
		return resp
	}

	if result == nil {
		resp.Result = json.RawMessage("null")
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = rpc.NewError(rpc.CodeInternalError, fmt.Sprintf("encoding result: %v", err))
		return resp
	}
	resp.Result = raw
	return resp
}

// decodeFields turns the request's raw params into a name→raw-value map.
// A missing or null params is treated as an empty object, matching the
// common case of a zero-argument call.
func decodeFields(params json.RawMessage) (map[string]json.RawMessage, error) {
	if len(params) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return fields, nil
}

// bindArgs selects, for the chosen operation, exactly the fields its
// ParamDecls name. Returns the name of the first missing required
// parameter, if any, as missing.
func bindArgs(op OperationDecl, fields map[string]json.RawMessage, rawParams json.RawMessage) (args map[string]json.RawMessage, missing string) {
	if op.RawParams {
		raw := rawParams
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		return map[string]json.RawMessage{rawParamsKey: raw}, ""
	}

	args = make(map[string]json.RawMessage, len(op.Params))
	for _, p := range op.Params {
		v, present := fields[p.Name]
		if !present {
			if !p.Optional {
				return nil, p.Name
			}
			continue
		}
		args[p.Name] = v
	}
	return args, ""
}
