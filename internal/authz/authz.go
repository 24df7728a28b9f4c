// Package authz provides a pluggable Authorizor implementation for the
// dispatch core (spec.md §4.2, §9's "Authorizor: pluggable predicate
// consulted per request to accept or reject an invocation"). The core
// itself has no opinion on policy — it only asks a yes/no question — so
// this package, like the teacher's RequireRole chi middleware, expresses
// one reasonable policy shape (allow-list by sender) without being the only
// possible one.
package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Rule grants access to method (or every method sharing methodPrefix, when
// Method ends with "*") to any sender in Allow. "*" in Allow matches every
// sender.
type Rule struct {
	Method string
	Allow  []string
}

// RoleAuthorizor implements dispatch.Authorizor with an ordered rule list:
// the first matching rule decides the call; no match denies it. This
// mirrors the teacher's RequireRole — a request either belongs to the
// permitted set or it is rejected — generalized from a single fixed role to
// an arbitrary per-method allow-list so each agent config can describe its
// own policy (spec.md §6: agent configs carry an optional `authorizor`).
type RoleAuthorizor struct {
	mu    sync.RWMutex
	rules []Rule
}

// New constructs a RoleAuthorizor from an ordered rule set.
func New(rules []Rule) *RoleAuthorizor {
	return &RoleAuthorizor{rules: append([]Rule(nil), rules...)}
}

// AllowAll returns an Authorizor that accepts every call — the default when
// an agent's config names no authorizor at all (spec.md: authorization is
// opt-in per agent).
func AllowAll() *RoleAuthorizor {
	return New([]Rule{{Method: "*", Allow: []string{"*"}}})
}

// FromJSON builds a RoleAuthorizor from an agent's own `authorizor` config
// tree (spec.md §6) — a JSON array of Rule. This is how a per-agent policy
// configured in a PersistedEntry becomes a live dispatch.Authorizor.
func FromJSON(raw json.RawMessage) (*RoleAuthorizor, error) {
	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("authz: decoding rule set: %w", err)
	}
	return New(rules), nil
}

// SetRules replaces the rule set atomically.
func (a *RoleAuthorizor) SetRules(rules []Rule) {
	a.mu.Lock()
	a.rules = append([]Rule(nil), rules...)
	a.mu.Unlock()
}

// Authorize implements dispatch.Authorizor.
func (a *RoleAuthorizor) Authorize(_ context.Context, method, sender string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, r := range a.rules {
		if !methodMatches(r.Method, method) {
			continue
		}
		for _, allowed := range r.Allow {
			if allowed == "*" || allowed == sender {
				return true
			}
		}
		return false
	}
	return false
}

func methodMatches(pattern, method string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(method, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == method
}
