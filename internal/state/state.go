// Package state declares the State Service contract (spec.md §2, §6): a
// persistent key-value mapping per agent id, plus enumeration of known ids.
// Concrete backends (memstate, boltstate, sqlstate) are external
// collaborators per spec.md §1 — the core only ever depends on this
// interface.
package state

import "context"

// Service is the persistence contract every backend implements.
type Service interface {
	// Get returns the raw JSON value stored under key for agentID, and
	// whether it was present at all.
	Get(ctx context.Context, agentID, key string) (value []byte, ok bool, err error)

	// Put writes value under key for agentID, creating the agent's record
	// implicitly if this is its first key.
	Put(ctx context.Context, agentID, key string, value []byte) error

	// Delete removes a single key. Idempotent.
	Delete(ctx context.Context, agentID, key string) error

	// Snapshot returns every key/value pair currently stored for agentID.
	Snapshot(ctx context.Context, agentID string) (map[string][]byte, error)

	// PutSnapshot overwrites agentID's entire key space in one call. Used
	// by the Host to flush an agent's in-memory state back to storage
	// after a dispatched operation completes.
	PutSnapshot(ctx context.Context, agentID string, values map[string][]byte) error

	// AgentIDs enumerates every agent id known to the backend — i.e. every
	// id with at least one persisted key, which for a registered agent
	// includes at minimum its instantiation entry.
	AgentIDs(ctx context.Context) ([]string, error)

	// DeleteAgent removes every key for agentID (spec.md's deregister).
	DeleteAgent(ctx context.Context, agentID string) error

	// Close releases any resources held by the backend.
	Close() error
}
