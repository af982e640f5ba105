package inmem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mgxai/fabric/store"
	"github.com/mgxai/fabric/store/inmem"
)

func TestNextRunNumberIsStrictlyIncreasingPerTask(t *testing.T) {
	s := inmem.NewTaskStore()
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		n, err := s.NextRunNumber(ctx, "task-1")
		require.NoError(t, err)
		require.Equal(t, i, n)
	}
	n, err := s.NextRunNumber(ctx, "task-2")
	require.NoError(t, err)
	require.Equal(t, 1, n, "run numbers are per-task, not global")
}

func TestRunningRunFindsOnlyNonTerminalRun(t *testing.T) {
	s := inmem.NewTaskStore()
	ctx := context.Background()
	_, err := s.CreateRun(ctx, store.TaskRun{ID: "r1", TaskID: "t1", RunNumber: 1, Status: store.RunStatusCompleted})
	require.NoError(t, err)
	_, found, err := s.RunningRun(ctx, "t1")
	require.NoError(t, err)
	require.False(t, found)

	_, err = s.CreateRun(ctx, store.TaskRun{ID: "r2", TaskID: "t1", RunNumber: 2, Status: store.RunStatusExecuting})
	require.NoError(t, err)
	running, found, err := s.RunningRun(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "r2", running.ID)
}

func TestUpdateTaskReturnsNotFoundForUnknownID(t *testing.T) {
	s := inmem.NewTaskStore()
	err := s.UpdateTask(context.Background(), store.Task{ID: "missing"})
	require.Error(t, err)
}

func TestApprovalUpdateSucceedsOncePendingThenConflicts(t *testing.T) {
	s := inmem.NewApprovalStore()
	ctx := context.Background()
	a := store.StepApproval{ID: "a1", Status: store.ApprovalStatusPending}
	_, err := s.CreateApproval(ctx, a)
	require.NoError(t, err)

	a.Status = store.ApprovalStatusApproved
	require.NoError(t, s.UpdateApproval(ctx, a))

	a.Status = store.ApprovalStatusTimeout
	err = s.UpdateApproval(ctx, a)
	require.Error(t, err, "second transition on an already-terminal approval must fail")
}

func TestListPendingOnlyReturnsPendingApprovals(t *testing.T) {
	s := inmem.NewApprovalStore()
	ctx := context.Background()
	_, err := s.CreateApproval(ctx, store.StepApproval{ID: "a1", Status: store.ApprovalStatusPending})
	require.NoError(t, err)
	_, err = s.CreateApproval(ctx, store.StepApproval{ID: "a2", Status: store.ApprovalStatusApproved})
	require.NoError(t, err)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "a1", pending[0].ID)
}

func TestWorkflowStepExecutionDefensiveCopyPreventsMutation(t *testing.T) {
	s := inmem.NewWorkflowStore()
	ctx := context.Background()
	_, err := s.CreateStepExecution(ctx, store.WorkflowStepExecution{
		ID: "se1", ExecutionID: "e1", Status: store.StepExecPending,
		Output: map[string]any{"k": "v"},
	})
	require.NoError(t, err)

	got, _, err := s.GetStepExecution(ctx, "se1")
	require.NoError(t, err)
	got.Output["k"] = "mutated"

	got2, _, err := s.GetStepExecution(ctx, "se1")
	require.NoError(t, err)
	require.Equal(t, "v", got2.Output["k"])
}
