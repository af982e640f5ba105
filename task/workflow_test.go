package task_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mgxai/fabric/agentctl"
	"github.com/mgxai/fabric/engine/inmem"
	"github.com/mgxai/fabric/events"
	"github.com/mgxai/fabric/ids"
	"github.com/mgxai/fabric/llmport"
	"github.com/mgxai/fabric/memory"
	"github.com/mgxai/fabric/store"
	storeinmem "github.com/mgxai/fabric/store/inmem"
	"github.com/mgxai/fabric/task"
	"github.com/mgxai/fabric/telemetry"
)

// fakeLLM returns responses keyed by the first matching substring in the
// prompt, falling back to an approving verdict so execute rounds converge
// by default.
type fakeLLM struct {
	responses map[string]string
}

func (f *fakeLLM) Complete(_ context.Context, req llmport.Request) (llmport.Response, error) {
	for needle, text := range f.responses {
		if strings.Contains(req.Prompt, needle) {
			return llmport.Response{Text: text}, nil
		}
	}
	return llmport.Response{Text: "APPROVED"}, nil
}

func newTestExecutor(t *testing.T, taskStore store.TaskStore, llm llmport.Provider, autoApprove bool) (task.Executor, store.Task) {
	t.Helper()
	telem := telemetry.Set{}.Fill()
	eng := inmem.New(telem)
	broadcaster := events.NewBroadcaster(telem)
	agents := agentctl.New(memory.NewInMemoryStore(memory.Limits{}), broadcaster, telem)

	ctx := context.Background()
	require.NoError(t, agents.Register(ctx, agentctl.AgentInstance{ID: "eng-1", Workspace: "ws1", Role: agentctl.RoleEngineer}))
	require.NoError(t, agents.Register(ctx, agentctl.AgentInstance{ID: "test-1", Workspace: "ws1", Role: agentctl.RoleTester}))
	require.NoError(t, agents.Register(ctx, agentctl.AgentInstance{ID: "rev-1", Workspace: "ws1", Role: agentctl.RoleReviewer}))

	cfg := map[string]any{}
	if autoApprove {
		cfg["auto_approve_plan"] = true
	}
	tsk := store.Task{
		ID:        ids.NewPrefixed("task"),
		Workspace: "ws1",
		Project:   "proj1",
		Name:      "add healthcheck endpoint",
		Config:    cfg,
		MaxRounds: 2,
	}
	_, err := taskStore.CreateTask(ctx, tsk)
	require.NoError(t, err)

	exec, err := task.New(ctx, eng, task.Deps{
		Store:       taskStore,
		LLM:         llm,
		Agents:      agents,
		Broadcaster: broadcaster,
		Telem:       telem,
	}, "task")
	require.NoError(t, err)
	return exec, tsk
}

func TestRunTaskCompletesOnAutoApprovedPlanAndFirstRoundApproval(t *testing.T) {
	taskStore := storeinmem.NewTaskStore()
	llm := &fakeLLM{responses: map[string]string{
		"Analyze this coding task": "S\nuse table-driven tests",
	}}
	exec, tsk := newTestExecutor(t, taskStore, llm, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.RunTask(ctx, tsk.ID, nil)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, out.FinalStatus)
	require.Equal(t, 1, out.RunNumber)

	run, found, err := taskStore.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, store.RunStatusCompleted, run.Status)
}

func TestRunTaskFailsWhenPlanRejected(t *testing.T) {
	taskStore := storeinmem.NewTaskStore()
	llm := &fakeLLM{}
	exec, tsk := newTestExecutor(t, taskStore, llm, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan task.RunOutput, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := exec.RunTask(ctx, tsk.ID, nil)
		resultCh <- out
		errCh <- err
	}()

	var runID string
	require.Eventually(t, func() bool {
		runs, err := taskStore.ListRuns(ctx, tsk.ID)
		if err != nil || len(runs) == 0 {
			return false
		}
		runID = runs[0].ID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return exec.RejectPlan(ctx, runID, "needs a different approach") == nil
	}, 2*time.Second, 10*time.Millisecond)

	out := <-resultCh
	require.NoError(t, <-errCh)
	require.Equal(t, store.RunStatusFailed, out.FinalStatus)
	require.Contains(t, out.FailureNote, "needs a different approach")
}

func TestRunTaskExhaustsRevisionBudgetWhenNeverApproved(t *testing.T) {
	taskStore := storeinmem.NewTaskStore()
	llm := &fakeLLM{responses: map[string]string{
		"Review this change": "CHANGES_REQUIRED: add more tests",
	}}
	exec, tsk := newTestExecutor(t, taskStore, llm, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.RunTask(ctx, tsk.ID, nil)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusFailed, out.FinalStatus)
	require.Contains(t, out.FailureNote, "revision budget exhausted")
}

func TestRunTaskRejectsConcurrentRunOnSameTask(t *testing.T) {
	taskStore := storeinmem.NewTaskStore()
	llm := &fakeLLM{}
	// Plan approval is not auto-approved, so the first run blocks waiting
	// for a signal that never arrives, holding the task "running" for the
	// whole test.
	exec, tsk := newTestExecutor(t, taskStore, llm, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() { _, _ = exec.RunTask(ctx, tsk.ID, nil) }()

	require.Eventually(t, func() bool {
		_, err := exec.RunTask(ctx, tsk.ID, nil)
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCancelRunIsIdempotentOnTerminalRun(t *testing.T) {
	taskStore := storeinmem.NewTaskStore()
	llm := &fakeLLM{}
	exec, tsk := newTestExecutor(t, taskStore, llm, true)

	ctx := context.Background()
	out, err := exec.RunTask(ctx, tsk.ID, nil)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, out.FinalStatus)

	require.NoError(t, exec.CancelRun(ctx, out.RunID))
	require.NoError(t, exec.CancelRun(ctx, out.RunID))
}
