package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mgxai/fabric/agentctl"
	"github.com/mgxai/fabric/approval"
	"github.com/mgxai/fabric/engine/inmem"
	"github.com/mgxai/fabric/events"
	"github.com/mgxai/fabric/ids"
	"github.com/mgxai/fabric/llmport"
	"github.com/mgxai/fabric/memory"
	"github.com/mgxai/fabric/store"
	storeinmem "github.com/mgxai/fabric/store/inmem"
	"github.com/mgxai/fabric/telemetry"
	"github.com/mgxai/fabric/workflow"
)

type stubLLM struct{}

func (stubLLM) Complete(_ context.Context, req llmport.Request) (llmport.Response, error) {
	return llmport.Response{Text: "ok: " + req.Prompt}, nil
}

func newTestExecutor(t *testing.T) (workflow.Executor, store.WorkflowStore, approval.Gate, store.ApprovalStore) {
	t.Helper()
	telem := telemetry.Set{}.Fill()
	eng := inmem.New(telem)
	broadcaster := events.NewBroadcaster(telem)
	wfStore := storeinmem.NewWorkflowStore()
	approvalStore := storeinmem.NewApprovalStore()

	agents := agentctl.New(memory.NewInMemoryStore(memory.Limits{}), broadcaster, telem)
	require.NoError(t, agents.Register(context.Background(), agentctl.AgentInstance{
		ID: "engineer-1", Workspace: "ws", Role: agentctl.RoleEngineer,
	}))

	gate := approval.New(approvalStore, broadcaster, telem)

	exec, err := workflow.New(context.Background(), eng, workflow.Deps{
		Store: wfStore, Agents: agents, Approvals: gate, LLM: stubLLM{}, Broadcaster: broadcaster, Telem: telem,
	}, "workflow")
	require.NoError(t, err)
	return exec, wfStore, gate, approvalStore
}

func taskStep(id string, deps ...string) store.WorkflowStep {
	return store.WorkflowStep{
		ID: id, StepType: store.StepTypeTask, DependsOnSteps: deps,
		Config: map[string]any{"role": "engineer", "prompt": "do " + id},
	}
}

func TestStartExecutionRunsLinearWorkflowToCompletion(t *testing.T) {
	exec, wfStore, _, _ := newTestExecutor(t)
	wf := store.Workflow{
		ID: ids.New(), Workspace: "ws", Name: "linear",
		Steps: []store.WorkflowStep{taskStep("a"), taskStep("b", "a")},
	}
	_, err := wfStore.CreateWorkflow(context.Background(), wf)
	require.NoError(t, err)

	executionID, err := exec.StartExecution(context.Background(), wf.ID, map[string]any{"workspace": "ws"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := exec.WaitExecution(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, store.WorkflowStatusCompleted, out.Status)
	require.Contains(t, out.Results, "a")
	require.Contains(t, out.Results, "b")
}

func TestStartExecutionSkipsUntakenConditionBranch(t *testing.T) {
	exec, wfStore, _, _ := newTestExecutor(t)
	wf := store.Workflow{
		ID: ids.New(), Workspace: "ws", Name: "branching",
		Steps: []store.WorkflowStep{
			taskStep("a"),
			{ID: "cond", StepType: store.StepTypeCondition, DependsOnSteps: []string{"a"},
				Config:     map[string]any{"expression": "a.output.text exists"},
				TrueSteps:  []string{"true-branch"},
				FalseSteps: []string{"false-branch"},
			},
			taskStep("true-branch", "cond"),
			taskStep("false-branch", "cond"),
		},
	}
	_, err := wfStore.CreateWorkflow(context.Background(), wf)
	require.NoError(t, err)

	executionID, err := exec.StartExecution(context.Background(), wf.ID, map[string]any{"workspace": "ws"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := exec.WaitExecution(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, store.WorkflowStatusCompleted, out.Status)

	steps, err := wfStore.ListStepExecutions(context.Background(), executionID)
	require.NoError(t, err)
	byID := make(map[string]store.WorkflowStepExecution, len(steps))
	for _, se := range steps {
		byID[se.StepID] = se
	}
	require.Equal(t, store.StepExecCompleted, byID["true-branch"].Status)
	require.Equal(t, store.StepExecSkipped, byID["false-branch"].Status)
}

func TestStartExecutionCascadesSkipOnStepFailure(t *testing.T) {
	exec, wfStore, _, _ := newTestExecutor(t)
	wf := store.Workflow{
		ID: ids.New(), Workspace: "ws", Name: "failing",
		Steps: []store.WorkflowStep{
			{ID: "will-fail", StepType: store.StepTypeTask, Config: map[string]any{"role": "reviewer", "prompt": "x"}},
			taskStep("downstream", "will-fail"),
			taskStep("independent"),
		},
	}
	_, err := wfStore.CreateWorkflow(context.Background(), wf)
	require.NoError(t, err)

	executionID, err := exec.StartExecution(context.Background(), wf.ID, map[string]any{"workspace": "ws"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := exec.WaitExecution(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, store.WorkflowStatusFailed, out.Status)

	steps, err := wfStore.ListStepExecutions(context.Background(), executionID)
	require.NoError(t, err)
	byID := make(map[string]store.WorkflowStepExecution, len(steps))
	for _, se := range steps {
		byID[se.StepID] = se
	}
	require.Equal(t, store.StepExecFailed, byID["will-fail"].Status)
	require.Equal(t, store.StepExecSkipped, byID["downstream"].Status)
	require.Equal(t, store.StepExecCompleted, byID["independent"].Status)
}

func TestStartExecutionRetriesStepUpToMaxAttempts(t *testing.T) {
	exec, wfStore, _, _ := newTestExecutor(t)
	wf := store.Workflow{
		ID: ids.New(), Workspace: "ws", Name: "retrying",
		Steps: []store.WorkflowStep{
			{ID: "flaky", StepType: store.StepTypeTask, Config: map[string]any{"role": "reviewer", "prompt": "x"},
				RetryPolicy: store.StepRetryPolicy{MaxAttempts: 2, BackoffBaseMS: 1}},
		},
	}
	_, err := wfStore.CreateWorkflow(context.Background(), wf)
	require.NoError(t, err)

	executionID, err := exec.StartExecution(context.Background(), wf.ID, map[string]any{"workspace": "ws"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := exec.WaitExecution(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, store.WorkflowStatusFailed, out.Status)

	steps, err := wfStore.ListStepExecutions(context.Background(), executionID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, 2, steps[0].RetryCount)
}

func TestRespondToApprovalApprovesWaitingStep(t *testing.T) {
	exec, wfStore, _, approvalStore := newTestExecutor(t)
	wf := store.Workflow{
		ID: ids.New(), Workspace: "ws", Name: "approval-gated",
		Steps: []store.WorkflowStep{
			taskStep("a"),
			{ID: "gate", StepType: store.StepTypeApproval, DependsOnSteps: []string{"a"},
				Config: map[string]any{"title": "ship it?"}},
		},
	}
	_, err := wfStore.CreateWorkflow(context.Background(), wf)
	require.NoError(t, err)

	executionID, err := exec.StartExecution(context.Background(), wf.ID, map[string]any{"workspace": "ws"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var approvalID string
	require.Eventually(t, func() bool {
		pending, err := approvalStore.ListPending(ctx)
		if err != nil {
			return false
		}
		for _, a := range pending {
			if a.ExecutionID == executionID {
				approvalID = a.ID
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, exec.RespondToApproval(ctx, approvalID, "tester", "approved", ""))

	out, err := exec.WaitExecution(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, store.WorkflowStatusCompleted, out.Status)
}

func TestCancelExecutionIsNoOpOnTerminalExecution(t *testing.T) {
	exec, wfStore, _, _ := newTestExecutor(t)
	wf := store.Workflow{
		ID: ids.New(), Workspace: "ws", Name: "cancel-target",
		Steps: []store.WorkflowStep{taskStep("a")},
	}
	_, err := wfStore.CreateWorkflow(context.Background(), wf)
	require.NoError(t, err)

	executionID, err := exec.StartExecution(context.Background(), wf.ID, map[string]any{"workspace": "ws"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = exec.WaitExecution(ctx, executionID)
	require.NoError(t, err)

	require.NoError(t, exec.CancelExecution(ctx, executionID))

	got, found, err := wfStore.GetExecution(ctx, executionID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, store.WorkflowStatusCompleted, got.Status)
}
