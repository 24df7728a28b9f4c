// Package memstate is an in-memory state.Service, used by tests and the
// quickstart daemon profile. Nothing is persisted across process restarts.
package memstate

import (
	"context"
	"sync"

	"github.com/fenlake/agentrt/internal/state"
)

// Store implements state.Service entirely in memory, guarded by a single
// RWMutex — adequate at the scale of a unit test or a local quickstart;
// the boltstate and sqlstate backends are the deployment-grade choices.
type Store struct {
	mu     sync.RWMutex
	agents map[string]map[string][]byte
}

// New returns a ready-to-use empty Store.
func New() *Store {
	return &Store{agents: make(map[string]map[string][]byte)}
}

var _ state.Service = (*Store)(nil)

func (s *Store) Get(_ context.Context, agentID, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kv, ok := s.agents[agentID]
	if !ok {
		return nil, false, nil
	}
	v, ok := kv[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (s *Store) Put(_ context.Context, agentID, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kv, ok := s.agents[agentID]
	if !ok {
		kv = make(map[string][]byte)
		s.agents[agentID] = kv
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	kv[key] = cp
	return nil
}

func (s *Store) Delete(_ context.Context, agentID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kv, ok := s.agents[agentID]; ok {
		delete(kv, key)
	}
	return nil
}

func (s *Store) Snapshot(_ context.Context, agentID string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range s.agents[agentID] {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out, nil
}

func (s *Store) PutSnapshot(_ context.Context, agentID string, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kv := make(map[string][]byte, len(values))
	for k, v := range values {
		cp := make([]byte, len(v))
		copy(cp, v)
		kv[k] = cp
	}
	s.agents[agentID] = kv
	return nil
}

func (s *Store) AgentIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.agents))
	for id := range s.agents {
		out = append(out, id)
	}
	return out, nil
}

func (s *Store) DeleteAgent(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentID)
	return nil
}

func (s *Store) Close() error { return nil }
