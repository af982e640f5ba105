// Package memory implements the Agent Memory Store: versioned, immutable
// workspace-scoped AgentContext snapshots plus per-agent-instance
// LRU/TTL-pruned key-value memory, with atomic cross-agent handoff.
package memory

import (
	"context"
	"time"
)

type (
	// ContextVersion is one immutable snapshot of a named, workspace-scoped
	// shared context. Writes never mutate an existing version; they append
	// version = current+1. Rollback to version k appends a new version whose
	// Data equals version k's, preserving full version history.
	ContextVersion struct {
		Workspace string
		Project   string
		Name      string
		Version   int
		Data      map[string]any
		CreatedAt time.Time
	}

	// MemoryEntry is one key-value record in an agent instance's pruned
	// memory. Size is tracked explicitly so byte-budget pruning does not
	// need to re-serialize Payload on every write.
	MemoryEntry struct {
		AgentInstance string
		Key           string
		Payload       any
		SizeBytes     int
		CreatedAt     time.Time
		LastUsed      time.Time
		ReceivedFrom  string // set by Handoff; empty for entries written directly
	}

	// Store is the Agent Memory Store's public contract.
	Store interface {
		// WriteContext appends a new ContextVersion for (workspace, project,
		// name) with version = current+1 and the given data as the full new
		// snapshot. Returns the created version.
		WriteContext(ctx context.Context, workspace, project, name string, data map[string]any) (ContextVersion, error)
		// LatestContext returns the highest-numbered version, or ok=false if
		// the context has never been written.
		LatestContext(ctx context.Context, workspace, project, name string) (ContextVersion, bool, error)
		// RollbackContext appends a new version (current+1) whose Data
		// equals version `to`'s Data. Returns an error if `to` does not
		// exist.
		RollbackContext(ctx context.Context, workspace, project, name string, to int) (ContextVersion, error)

		// Remember writes or overwrites a memory entry for agentInstance,
		// running pruning afterward per the configured limits.
		Remember(ctx context.Context, agentInstance, key string, payload any) error
		// Recall returns a memory entry, marking it as recently used for LRU
		// purposes. ok is false if the key is absent or was pruned.
		Recall(ctx context.Context, agentInstance, key string) (MemoryEntry, bool, error)
		// Handoff atomically copies the listed keys' latest values from
		// fromAgent's memory into toAgent's memory, stamping each copy with
		// ReceivedFrom = fromAgent. The source retains its own copies.
		Handoff(ctx context.Context, fromAgent, toAgent string, keys []string) ([]MemoryEntry, error)
	}

	// Limits configures the per-agent-instance pruning policy (spec §4.5).
	Limits struct {
		// TTL evicts entries older than this on every write. Zero uses the
		// default of 24h.
		TTL time.Duration
		// MaxEntries evicts least-recently-used entries once count exceeds
		// this. Zero uses the default of 1000.
		MaxEntries int
		// MaxBytes evicts LRU entries until the sum of sizes is under this.
		// Zero uses the default of 100 MiB.
		MaxBytes int64
	}
)

const (
	defaultTTL        = 24 * time.Hour
	defaultMaxEntries = 1000
	defaultMaxBytes   = 100 * 1024 * 1024
)

// Fill returns a copy of l with zero fields replaced by their defaults.
func (l Limits) Fill() Limits {
	if l.TTL <= 0 {
		l.TTL = defaultTTL
	}
	if l.MaxEntries <= 0 {
		l.MaxEntries = defaultMaxEntries
	}
	if l.MaxBytes <= 0 {
		l.MaxBytes = defaultMaxBytes
	}
	return l
}

// contextKey identifies a shared context by its full scope.
type contextKey struct{ workspace, project, name string }
