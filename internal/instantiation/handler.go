package instantiation

import (
	"sync"

	"github.com/fenlake/agentrt/internal/agent"
)

// Handler is the stable indirection spec.md §9's Design Notes describe:
// callers can hold onto a *Handler across an agent's release/re-init
// cycles; Current retargets transparently the moment a new instance is
// installed. It maps naturally onto a mutex-guarded holder rather than a
// lock-free atomic pointer, since agent.Agent is an interface value (two
// words) and the update path is already serialized by Entry.initMu.
type Handler struct {
	mu  sync.RWMutex
	ref agent.Agent
}

// Current returns the live instance, or nil if the agent is currently
// released.
func (h *Handler) Current() agent.Agent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ref
}

func (h *Handler) set(a agent.Agent) {
	h.mu.Lock()
	h.ref = a
	h.mu.Unlock()
}
