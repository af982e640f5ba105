package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mgxai/fabric/memory"
)

func TestWriteContextVersionsAreMonotonic(t *testing.T) {
	s := memory.NewInMemoryStore(memory.Limits{})
	ctx := context.Background()

	v1, err := s.WriteContext(ctx, "ws1", "proj1", "plan", map[string]any{"step": 1})
	require.NoError(t, err)
	require.Equal(t, 1, v1.Version)

	v2, err := s.WriteContext(ctx, "ws1", "proj1", "plan", map[string]any{"step": 2})
	require.NoError(t, err)
	require.Equal(t, 2, v2.Version)

	latest, ok, err := s.LatestContext(ctx, "ws1", "proj1", "plan")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, latest.Version)
}

func TestRollbackCreatesNewVersionWithOldData(t *testing.T) {
	s := memory.NewInMemoryStore(memory.Limits{})
	ctx := context.Background()

	_, err := s.WriteContext(ctx, "ws1", "proj1", "plan", map[string]any{"step": 1})
	require.NoError(t, err)
	_, err = s.WriteContext(ctx, "ws1", "proj1", "plan", map[string]any{"step": 2})
	require.NoError(t, err)

	rolled, err := s.RollbackContext(ctx, "ws1", "proj1", "plan", 1)
	require.NoError(t, err)
	require.Equal(t, 3, rolled.Version)
	require.Equal(t, map[string]any{"step": 1}, rolled.Data)

	latest, ok, err := s.LatestContext(ctx, "ws1", "proj1", "plan")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, latest.Version)
}

func TestRollbackToMissingVersionFails(t *testing.T) {
	s := memory.NewInMemoryStore(memory.Limits{})
	ctx := context.Background()
	_, err := s.WriteContext(ctx, "ws1", "proj1", "plan", map[string]any{"step": 1})
	require.NoError(t, err)

	_, err = s.RollbackContext(ctx, "ws1", "proj1", "plan", 99)
	require.Error(t, err)
}

func TestRememberPrunesOverMaxEntries(t *testing.T) {
	s := memory.NewInMemoryStore(memory.Limits{MaxEntries: 2})
	ctx := context.Background()

	require.NoError(t, s.Remember(ctx, "agent1", "k1", "v1"))
	require.NoError(t, s.Remember(ctx, "agent1", "k2", "v2"))
	require.NoError(t, s.Remember(ctx, "agent1", "k3", "v3"))

	_, ok, err := s.Recall(ctx, "agent1", "k1")
	require.NoError(t, err)
	require.False(t, ok, "least-recently-used entry should have been evicted")

	_, ok, err = s.Recall(ctx, "agent1", "k3")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRecallExpiresEntriesPastTTL(t *testing.T) {
	s := memory.NewInMemoryStore(memory.Limits{TTL: time.Millisecond})
	ctx := context.Background()
	require.NoError(t, s.Remember(ctx, "agent1", "k1", "v1"))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := s.Recall(ctx, "agent1", "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandoffCopiesKeysAndStampsReceivedFrom(t *testing.T) {
	s := memory.NewInMemoryStore(memory.Limits{})
	ctx := context.Background()
	require.NoError(t, s.Remember(ctx, "agent1", "summary", "done"))
	require.NoError(t, s.Remember(ctx, "agent1", "plan", "steps"))

	copied, err := s.Handoff(ctx, "agent1", "agent2", []string{"summary", "plan"})
	require.NoError(t, err)
	require.Len(t, copied, 2)
	for _, e := range copied {
		require.Equal(t, "agent1", e.ReceivedFrom)
	}

	// Source retains its own copies — handoff is a copy, not a move.
	_, ok, err := s.Recall(ctx, "agent1", "summary")
	require.NoError(t, err)
	require.True(t, ok)

	entry, ok, err := s.Recall(ctx, "agent2", "summary")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "done", entry.Payload)
}

func TestHandoffFailsAtomicallyOnMissingKey(t *testing.T) {
	s := memory.NewInMemoryStore(memory.Limits{})
	ctx := context.Background()
	require.NoError(t, s.Remember(ctx, "agent1", "summary", "done"))

	_, err := s.Handoff(ctx, "agent1", "agent2", []string{"summary", "missing"})
	require.Error(t, err)

	_, ok, err := s.Recall(ctx, "agent2", "summary")
	require.NoError(t, err)
	require.False(t, ok, "no partial handoff should have been applied")
}
