// Package instantiation implements the Instantiation Service (spec.md
// §4.1): lazy lifecycle and cold/warm boot orchestration of persisted
// agents. It is the hard concurrency core of the runtime — the entry table
// must serialize concurrent init calls per key while letting distinct keys
// proceed fully in parallel.
package instantiation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fenlake/agentrt/internal/agent"
	"github.com/fenlake/agentrt/internal/metrics"
	"github.com/fenlake/agentrt/internal/state"
)

// EntryStateKey is the reserved state.Service key, within an agent's own
// key space, holding its persisted InstantiationEntry (spec.md §6).
const EntryStateKey = "__entry__"

// PersistedEntry is the exact wire/storage shape from spec.md §6. Authorizor
// carries the agent's own optional policy config (spec.md §6: agent configs
// are JSON objects carrying at least className, optional id, optional
// authorizor); nil means the agent has no policy of its own and the Host
// falls back to its process-wide default.
type PersistedEntry struct {
	Key       string          `json:"key"`
	ClassName string          `json:"className"`
	Params    json.RawMessage `json:"params"`
	Authorizor json.RawMessage `json:"authorizor,omitempty"`
}

// ClassLoader resolves a className to a Factory. classreg.Registry
// satisfies this interface structurally; a caller may also supply its own
// per spec.md §4.1 ("using a caller-supplied class loader if provided").
type ClassLoader interface {
	Resolve(className string) (func() agent.Agent, error)
}

// stateLoadable is implemented by agent.Base (and therefore by any concrete
// agent embedding it).
type stateLoadable interface {
	LoadState(map[string]json.RawMessage)
}

// Entry is the in-memory record for one agent id — spec.md's
// InstantiationEntry plus the non-persistent handler slot and a generation
// counter that records how many times the entry has been (re)instantiated.
type Entry struct {
	Key        string
	ClassName  string
	Params     json.RawMessage
	Authorizor json.RawMessage

	initMu     sync.Mutex // serializes concurrent Init for this key
	handler    *Handler
	generation uint64
}

// Generation returns how many times this entry has been (re)instantiated.
func (e *Entry) Generation() uint64 {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	return e.generation
}

// Service is the Instantiation Service. The zero value is not usable —
// construct with New.
type Service struct {
	tableMu sync.RWMutex
	entries map[string]*Entry

	st      state.Service
	loader  ClassLoader
	logger  *zap.Logger
	runtime agent.Runtime // bound to newly-constructed instances, if set

	phaseBWorkers int
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithPhaseBWorkers overrides the bounded worker pool size used for
// deferred boot (spec.md §9's Design Note: "generalize to a bounded worker
// pool so Phase B does not spawn unbounded threads").
func WithPhaseBWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.phaseBWorkers = n
		}
	}
}

// New constructs a Service backed by st, resolving classes through loader.
func New(st state.Service, loader ClassLoader, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		entries:       make(map[string]*Entry),
		st:            st,
		loader:        loader,
		logger:        logger.Named("instantiation"),
		phaseBWorkers: 16,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRuntime binds rt as the Runtime every subsequently (re)instantiated
// agent is bound to. The Host calls this once, immediately after
// constructing both itself and the Service — instantiation cannot take a
// Runtime at construction time because the Host itself is constructed
// around a reference to this Service.
func (s *Service) SetRuntime(rt agent.Runtime) {
	s.tableMu.Lock()
	s.runtime = rt
	s.tableMu.Unlock()
}

// Register writes a persisted entry for key, overwriting any existing one.
// No live instance is created or affected. authorizorCfg is the agent's own
// optional authorizor policy (spec.md §6); nil leaves the agent to the
// Host's process-wide default.
func (s *Service) Register(ctx context.Context, key, className string, params, authorizorCfg json.RawMessage) error {
	if params == nil {
		params = json.RawMessage("{}")
	}
	pe := PersistedEntry{Key: key, ClassName: className, Params: params, Authorizor: authorizorCfg}
	raw, err := json.Marshal(pe)
	if err != nil {
		return fmt.Errorf("instantiation: encoding entry %q: %w", key, err)
	}
	if err := s.st.Put(ctx, key, EntryStateKey, raw); err != nil {
		return fmt.Errorf("instantiation: persisting entry %q: %w", key, err)
	}

	s.tableMu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &Entry{Key: key}
		s.entries[key] = e
	}
	e.ClassName = className
	e.Params = params
	e.Authorizor = authorizorCfg
	s.tableMu.Unlock()

	s.logger.Info("agent registered", zap.String("key", key), zap.String("class", className))
	return nil
}

// Deregister removes key's entry and all of its backing state. Idempotent.
func (s *Service) Deregister(ctx context.Context, key string) error {
	s.tableMu.Lock()
	e, ok := s.entries[key]
	delete(s.entries, key)
	s.tableMu.Unlock()

	if ok {
		e.initMu.Lock()
		if e.handler != nil {
			e.handler.set(nil)
		}
		e.initMu.Unlock()
	}

	if err := s.st.DeleteAgent(ctx, key); err != nil {
		return fmt.Errorf("instantiation: deregistering %q: %w", key, err)
	}
	s.logger.Info("agent deregistered", zap.String("key", key))
	return nil
}

// Exists reports whether key has a persisted entry, awake or not.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	e, err := s.getOrLoadEntry(ctx, key)
	if err != nil {
		return false, err
	}
	return e != nil, nil
}

// ClassName returns the className key is registered under, so a caller
// (the Host, dispatching a request) can look up the right AnnotatedClass
// without duplicating the entry table.
func (s *Service) ClassName(ctx context.Context, key string) (string, bool, error) {
	e, err := s.getOrLoadEntry(ctx, key)
	if err != nil {
		return "", false, err
	}
	if e == nil {
		return "", false, nil
	}
	return e.ClassName, true, nil
}

// Authorizor returns key's own authorizor policy config, if it was given one
// at Register time. ok is false for both "key unknown" and "key has no
// policy of its own" — the caller (the Host) treats both the same way: fall
// back to the process-wide default.
func (s *Service) Authorizor(ctx context.Context, key string) (json.RawMessage, bool, error) {
	e, err := s.getOrLoadEntry(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if e == nil || len(e.Authorizor) == 0 {
		return nil, false, nil
	}
	return e.Authorizor, true, nil
}

// ListAgents returns every agent id known to the runtime, persisted or
// in-memory-only, for the admin surface's enumeration route.
func (s *Service) ListAgents(ctx context.Context) ([]string, error) {
	return s.allKnownIDs(ctx)
}

// Release discards key's live instance (if any) without touching its
// persisted entry or state — the agent can cycle back to awake via Init.
func (s *Service) Release(key string) {
	s.tableMu.RLock()
	e, ok := s.entries[key]
	s.tableMu.RUnlock()
	if !ok {
		return
	}
	e.initMu.Lock()
	if e.handler != nil && e.handler.Current() != nil {
		e.handler.set(nil)
		metrics.AwakeAgents.Dec()
	}
	e.initMu.Unlock()
}

// Init returns the live instance for key, creating one if necessary
// (spec.md §4.1). onBoot is informational — agent Configure implementations
// may behave differently during a cold boot versus a demand-driven wake,
// though the base contract makes no distinction.
func (s *Service) Init(ctx context.Context, key string, onBoot bool) (agent.Agent, error) {
	h, err := s.Handle(ctx, key, onBoot)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, nil
	}
	return h.Current(), nil
}

// Handle is like Init but returns the stable *Handler indirection rather
// than the instance directly, for callers that want to hold a reference
// valid across release/re-init cycles (spec.md §9's "weak handler
// indirection" design note).
func (s *Service) Handle(ctx context.Context, key string, onBoot bool) (*Handler, error) {
	e, err := s.getOrLoadEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	if e == nil {
		s.logger.Warn("init requested for unknown key", zap.String("key", key))
		return nil, nil
	}

	e.initMu.Lock()
	defer e.initMu.Unlock()

	if e.handler != nil {
		if ref := e.handler.Current(); ref != nil {
			return e.handler, nil
		}
	}

	factory, err := s.loader.Resolve(e.ClassName)
	if err != nil {
		s.logger.Warn("class resolution failed", zap.String("key", key), zap.String("class", e.ClassName), zap.Error(err))
		return nil, nil
	}

	instance := factory()
	if err := instance.Configure(e.Params); err != nil {
		s.logger.Warn("agent construction failed", zap.String("key", key), zap.String("class", e.ClassName), zap.Error(err))
		return nil, nil
	}

	if loadable, ok := instance.(stateLoadable); ok {
		snapshot, err := s.st.Snapshot(ctx, key)
		if err != nil {
			s.logger.Warn("loading state snapshot failed", zap.String("key", key), zap.Error(err))
		} else {
			typed := make(map[string]json.RawMessage, len(snapshot))
			for k, v := range snapshot {
				if strings.HasPrefix(k, "__") {
					continue
				}
				typed[k] = v
			}
			loadable.LoadState(typed)
		}
	}

	s.tableMu.RLock()
	rt := s.runtime
	s.tableMu.RUnlock()
	if rt != nil {
		if bindable, ok := instance.(agent.Bindable); ok {
			bindable.Bind(key, rt)
		}
	}

	if e.handler == nil {
		e.handler = &Handler{}
	}
	e.handler.set(instance)
	e.generation++
	metrics.AwakeAgents.Inc()

	if err := s.persistEntry(ctx, e); err != nil {
		s.logger.Warn("persisting entry after init failed", zap.String("key", key), zap.Error(err))
	}

	s.logger.Info("agent awake", zap.String("key", key), zap.String("class", e.ClassName), zap.Bool("on_boot", onBoot), zap.Uint64("generation", e.generation))
	return e.handler, nil
}

func (s *Service) persistEntry(ctx context.Context, e *Entry) error {
	pe := PersistedEntry{Key: e.Key, ClassName: e.ClassName, Params: e.Params, Authorizor: e.Authorizor}
	raw, err := json.Marshal(pe)
	if err != nil {
		return err
	}
	return s.st.Put(ctx, e.Key, EntryStateKey, raw)
}

func (s *Service) getOrLoadEntry(ctx context.Context, key string) (*Entry, error) {
	s.tableMu.RLock()
	e, ok := s.entries[key]
	s.tableMu.RUnlock()
	if ok {
		return e, nil
	}

	raw, found, err := s.st.Get(ctx, key, EntryStateKey)
	if err != nil {
		return nil, fmt.Errorf("instantiation: loading entry %q: %w", key, err)
	}
	if !found {
		return nil, nil
	}
	var pe PersistedEntry
	if err := json.Unmarshal(raw, &pe); err != nil {
		return nil, fmt.Errorf("instantiation: decoding persisted entry %q: %w", key, err)
	}

	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e, nil
	}
	e = &Entry{Key: pe.Key, ClassName: pe.ClassName, Params: pe.Params, Authorizor: pe.Authorizor}
	s.entries[key] = e
	return e, nil
}

// Delete tears down the service's in-memory bookkeeping — every entry is
// released and forgotten. Persisted state is untouched; a fresh Service
// constructed over the same state.Service will rediscover every entry on
// the next Exists/Init/Boot.
func (s *Service) Delete() {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	for _, e := range s.entries {
		e.initMu.Lock()
		if e.handler != nil {
			e.handler.set(nil)
		}
		e.initMu.Unlock()
	}
	s.entries = make(map[string]*Entry)
}
