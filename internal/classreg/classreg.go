// Package classreg is the default class resolution mechanism referenced by
// spec.md §4.1 ("the default resolution mechanism"). Go has no runtime
// class loading, so resolution is a simple registry: agent packages call
// Register from an init() function, and the Instantiation Service resolves
// a className to a constructor through this registry unless a caller
// supplies its own (spec.md: "using a caller-supplied class loader if
// provided, else the default resolution mechanism").
package classreg

import (
	"fmt"
	"sync"

	"github.com/fenlake/agentrt/internal/agent"
)

// Factory constructs a new, unconfigured agent instance.
type Factory func() agent.Agent

// Registry resolves class names to Factory functions. The zero value is not
// usable — create instances with New, or use the process-wide Default.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates className with factory. Registering the same name
// twice overwrites the previous factory — convenient for tests that swap in
// a fake, but a footgun for production code that should pick distinct
// names.
func (r *Registry) Register(className string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[className] = factory
}

// Resolve implements the instantiation.ClassLoader interface. The return
// type is spelled out as func() agent.Agent, rather than Factory, because Go
// interface satisfaction matches method signatures exactly — a method
// returning a distinct named type with the same underlying type does not
// count as an implementation.
func (r *Registry) Resolve(className string) (func() agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[className]
	if !ok {
		return nil, fmt.Errorf("classreg: no agent class registered as %q", className)
	}
	return f, nil
}

// Default is the process-wide registry most agent packages register
// against from their own init() functions — the "global service registry"
// pattern from spec.md §9's Design Notes, reformulated as an explicit,
// optional convenience rather than a hidden singleton the Instantiation
// Service must reach through.
var Default = New()

// Register adds className to the Default registry.
func Register(className string, factory Factory) { Default.Register(className, factory) }
