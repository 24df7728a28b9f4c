// Package dispatch implements the JSON-RPC dispatch core (spec.md §4.2):
// reflecting over an agent's exposed operations, binding request parameters
// by name, invoking the target, and serializing the response.
//
// Per spec.md §9's design note, this is realized as a declarative dispatch
// table built once per class rather than per-call runtime reflection: agent
// packages register an OperationDecl per exposed method from an init()
// function. The Invoke closure on each OperationDecl is itself the "fast-call
// handle" spec.md asks for — a direct, non-reflective method call captured
// once, reused for every dispatch.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fenlake/agentrt/internal/agent"
)

// ParamDecl is one operation parameter's dispatch metadata — the "name tag
// and a required flag" of spec.md's AnnotatedClass.
type ParamDecl struct {
	// Name is the JSON object key the dispatcher binds this parameter
	// from. Every parameter must carry one; an operation with any
	// unnamed parameter is invalid and is never registered (spec.md §4.2).
	Name string
	// Optional, when true, allows the parameter to be absent from the
	// request; its zero value is passed to Invoke. The spec default is
	// required=true, so the zero value of Optional (false) means required.
	Optional bool
}

// InvokeFunc performs the actual call into the concrete agent type. args
// contains exactly the fields the dispatcher has already validated against
// this operation's ParamDecls (present-if-required, by name); for a
// RawParams operation, args holds a single entry under rawParamsKey with
// the entire params object. ctx is the same context the Host's Receive call
// carries, so an operation that performs a self-call via agent.Base.Send
// reuses it rather than starting a disconnected one — this is what lets the
// Host recognize a same-request-thread re-entrant call (spec.md §8's
// cascade scenario) and avoid relocking its own per-agent writer lock.
type InvokeFunc func(ctx context.Context, target agent.Agent, args map[string]json.RawMessage) (any, error)

// OperationDecl is one exposed, dispatchable operation.
type OperationDecl struct {
	Name      string
	Params    []ParamDecl
	RawParams bool // trailing raw-params escape hatch (spec.md §4.2); Params must be empty
	Invoke    InvokeFunc
}

// rawParamsKey is the synthetic args key a RawParams operation's Invoke
// reads the entire inbound params object from.
const rawParamsKey = ""

// AnnotatedClass is the cached, immutable-after-publication metadata for one
// agent class (spec.md §3's AnnotatedClass). Operations are keyed by name;
// a slice handles the overload case (spec.md §4.2: "when multiple operations
// share a name, the dispatcher chooses the candidate whose declared
// parameter count and names are compatible with the supplied params").
type AnnotatedClass struct {
	Name       string
	operations map[string][]OperationDecl
}

var (
	mu      sync.RWMutex
	classes = make(map[string]*AnnotatedClass)
)

// RegisterClass publishes className's dispatch table. Invalid declarations
// (any parameter missing a name, unless RawParams) are dropped with no
// panic — "rejected as invalid and not exposed over RPC" per spec.md §4.2 —
// so a single bad operation in a large agent doesn't take down the rest of
// its class. Calling RegisterClass again for the same name replaces the
// previous table; this is normally only done once, from an init().
func RegisterClass(className string, decls []OperationDecl) *AnnotatedClass {
	ops := make(map[string][]OperationDecl)
	for _, d := range decls {
		if !validDecl(d) {
			continue
		}
		ops[d.Name] = append(ops[d.Name], d)
	}

	ac := &AnnotatedClass{Name: className, operations: ops}

	mu.Lock()
	classes[className] = ac
	mu.Unlock()

	return ac
}

func validDecl(d OperationDecl) bool {
	if d.Name == "" {
		return false
	}
	if d.RawParams {
		return len(d.Params) == 0 && d.Invoke != nil
	}
	for _, p := range d.Params {
		if p.Name == "" {
			return false
		}
	}
	return d.Invoke != nil
}

// Lookup returns the published AnnotatedClass for className, if any.
func Lookup(className string) (*AnnotatedClass, bool) {
	mu.RLock()
	defer mu.RUnlock()
	ac, ok := classes[className]
	return ac, ok
}

// candidates returns every OperationDecl registered under method, across
// overloads.
func (ac *AnnotatedClass) candidates(method string) []OperationDecl {
	if ac == nil {
		return nil
	}
	return ac.operations[method]
}

// resolveOverload picks the best-matching OperationDecl for the supplied
// field set, per spec.md §4.2: the candidate whose declared parameter count
// and names are compatible with the supplied params. A candidate is
// compatible if every one of its required parameters is present in fields.
// Among compatible named-parameter candidates the one with the most of its
// declared parameters present and the fewest absent wins (closest shape),
// the earliest-declared on equal footing; a raw-params candidate is used
// only when no named-parameter candidate is compatible.
func resolveOverload(candidates []OperationDecl, fields map[string]json.RawMessage) (OperationDecl, error) {
	if len(candidates) == 0 {
		return OperationDecl{}, fmt.Errorf("method not found")
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	var (
		best      OperationDecl
		bestScore int
		found     bool
		raw       OperationDecl
		hasRaw    bool
	)
	for _, c := range candidates {
		if c.RawParams {
			// A raw-params overload always matches, but loses to any
			// named-parameter candidate that also matches.
			if !hasRaw {
				raw, hasRaw = c, true
			}
			continue
		}
		ok := true
		matched := 0
		for _, p := range c.Params {
			_, present := fields[p.Name]
			if present {
				matched++
			} else if !p.Optional {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		score := matched*2 - len(c.Params)
		if !found || score > bestScore {
			best, bestScore, found = c, score, true
		}
	}
	if !found && hasRaw {
		return raw, nil
	}
	if !found {
		return OperationDecl{}, fmt.Errorf("no overload of %q matches the supplied parameters", candidates[0].Name)
	}
	return best, nil
}
