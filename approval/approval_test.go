package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mgxai/fabric/approval"
	"github.com/mgxai/fabric/events"
	"github.com/mgxai/fabric/store"
	"github.com/mgxai/fabric/store/inmem"
	"github.com/mgxai/fabric/telemetry"
)

func newGate(t *testing.T) (approval.Gate, events.Subscription) {
	t.Helper()
	b := events.NewBroadcaster(telemetry.NoopSet())
	sub, err := b.Subscribe("watch", []string{"all"})
	require.NoError(t, err)
	g := approval.New(inmem.NewApprovalStore(), b, telemetry.NoopSet())
	return g, sub
}

func TestCreateThenApproveSucceeds(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	a, err := g.Create(ctx, approval.CreateRequest{StepExecutionID: "se1", ExecutionID: "e1", ExpiresAfterSeconds: 60})
	require.NoError(t, err)
	require.Equal(t, store.ApprovalStatusPending, a.Status)

	approved, err := g.Approve(ctx, a.ID, "alice", nil)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalStatusApproved, approved.Status)
}

func TestReRespondingReturnsConflict(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	a, err := g.Create(ctx, approval.CreateRequest{StepExecutionID: "se1", ExecutionID: "e1", ExpiresAfterSeconds: 60})
	require.NoError(t, err)

	_, err = g.Approve(ctx, a.ID, "alice", nil)
	require.NoError(t, err)

	_, err = g.Reject(ctx, a.ID, "bob", "too late")
	require.Error(t, err)
}

func TestAutoApproveAfterZeroSecondsCompletesImmediately(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	zero := 0
	a, err := g.Create(ctx, approval.CreateRequest{StepExecutionID: "se1", ExecutionID: "e1", ExpiresAfterSeconds: 60, AutoApproveAfterSeconds: &zero})
	require.NoError(t, err)
	require.Equal(t, store.ApprovalStatusApproved, a.Status)
}

func TestSweepTimesOutExpiredApproval(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	a, err := g.Create(ctx, approval.CreateRequest{StepExecutionID: "se1", ExecutionID: "e1", ExpiresAfterSeconds: 0})
	require.NoError(t, err)
	require.Equal(t, store.ApprovalStatusPending, a.Status)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, g.Sweep(ctx))

	got, err := g.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalStatusTimeout, got.Status)
}

func TestSweepAutoApprovesAfterConfiguredDelay(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	one := 1
	a, err := g.Create(ctx, approval.CreateRequest{StepExecutionID: "se1", ExecutionID: "e1", ExpiresAfterSeconds: 60, AutoApproveAfterSeconds: &one})
	require.NoError(t, err)
	require.Equal(t, store.ApprovalStatusPending, a.Status)

	// A sweep before the one-second delay has elapsed leaves it pending.
	require.NoError(t, g.Sweep(ctx))
	got, err := g.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalStatusPending, got.Status)

	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, g.Sweep(ctx))

	got, err = g.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalStatusApproved, got.Status)
}

func TestRequestChangesCreatesSuccessorWithIncrementedRevisionCount(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	a, err := g.Create(ctx, approval.CreateRequest{StepExecutionID: "se1", ExecutionID: "e1", ExpiresAfterSeconds: 60})
	require.NoError(t, err)

	resolved, successor, err := g.RequestChanges(ctx, a.ID, "alice", "rename endpoint")
	require.NoError(t, err)
	require.Equal(t, store.ApprovalStatusRequestChanges, resolved.Status)
	require.Equal(t, a.ID, successor.ParentApprovalID)
	require.Equal(t, 1, successor.RevisionCount)
	require.Equal(t, store.ApprovalStatusPending, successor.Status)
}

func TestApprovalRequestedEventIsPublishedOnCreate(t *testing.T) {
	g, sub := newGate(t)
	ctx := context.Background()
	_, err := g.Create(ctx, approval.CreateRequest{StepExecutionID: "se1", ExecutionID: "e1", ExpiresAfterSeconds: 60})
	require.NoError(t, err)

	e := <-sub.Events()
	require.Equal(t, events.TypeApprovalRequested, e.EventType)
}
