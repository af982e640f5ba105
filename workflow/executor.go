package workflow

import (
	"context"
	"sync"

	"github.com/mgxai/fabric/engine"
	"github.com/mgxai/fabric/ferrors"
	"github.com/mgxai/fabric/ids"
	"github.com/mgxai/fabric/store"
)

// Executor is the Workflow Engine's public contract (spec §4.2).
type Executor interface {
	// StartExecution begins a new execution of workflowID and returns
	// immediately with its execution ID; scheduling continues in the
	// background (spec §4.2: "persists execution... begins scheduling").
	StartExecution(ctx context.Context, workflowID string, inputVars map[string]any) (string, error)
	// RespondToApproval routes a human decision into a waiting approval
	// step. decision is one of "approved", "rejected", "request_changes".
	RespondToApproval(ctx context.Context, approvalID, approver, decision, feedback string) error
	// CancelExecution transitions a non-terminal execution's steps to
	// cancelled.
	CancelExecution(ctx context.Context, executionID string) error
	// WaitExecution blocks until executionID reaches a terminal status,
	// for callers (tests, synchronous API wrappers) that need to observe
	// completion rather than poll the store.
	WaitExecution(ctx context.Context, executionID string) (RunOutput, error)
}

type runHandle struct {
	handle engine.WorkflowHandle
	cancel context.CancelFunc
}

type executor struct {
	deps *Deps
	eng  engine.Engine

	mu        sync.Mutex
	handles   map[string]runHandle // keyed by execution ID
	taskQueue string
}

// New constructs an Executor and registers the workflow-execution
// WorkflowFunc plus its step activities on eng.
func New(ctx context.Context, eng engine.Engine, deps Deps, taskQueue string) (Executor, error) {
	d := deps.fill()
	if taskQueue == "" {
		taskQueue = "workflow"
	}
	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      WorkflowName,
		TaskQueue: taskQueue,
		Handler:   d.runWorkflowExecution,
	}); err != nil {
		return nil, err
	}
	for _, def := range d.activityDefinitions(taskQueue) {
		if err := eng.RegisterActivity(ctx, engine.ActivityDefinition{
			Name:    def.Name,
			Handler: def.Handler,
			Options: engine.ActivityOptions{Queue: taskQueue},
		}); err != nil {
			return nil, err
		}
	}
	return &executor{deps: d, eng: eng, handles: make(map[string]runHandle), taskQueue: taskQueue}, nil
}

func (e *executor) StartExecution(ctx context.Context, workflowID string, inputVars map[string]any) (string, error) {
	wf, found, err := e.deps.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ferrors.New(ferrors.KindNotFound, "workflow.StartExecution", "workflow not found").WithDetails(map[string]any{"workflow_id": workflowID})
	}

	executionID := ids.NewPrefixed("exec")
	workspace, _ := inputVars["workspace"].(string)
	project, _ := inputVars["project"].(string)

	// StartExecution returns before the execution finishes (spec §4.2), so
	// the workflow must run on its own long-lived context rather than the
	// caller's request-scoped ctx; CancelExecution drives the stored
	// cancel func directly since engine.WorkflowHandle.Cancel is
	// best-effort under engine/inmem.
	runCtx, cancel := context.WithCancel(context.Background())
	handle, err := e.eng.StartWorkflow(runCtx, engine.WorkflowStartRequest{
		ID:        executionID,
		Workflow:  WorkflowName,
		TaskQueue: e.taskQueue,
		Input: RunInput{
			ExecutionID: executionID,
			WorkflowID:  wf.ID,
			Workspace:   workspace,
			Project:     project,
			InputVars:   inputVars,
		},
	})
	if err != nil {
		cancel()
		return "", err
	}

	e.mu.Lock()
	e.handles[executionID] = runHandle{handle: handle, cancel: cancel}
	e.mu.Unlock()

	go func() {
		var out RunOutput
		_ = handle.Wait(context.Background(), &out)
		cancel()
		e.mu.Lock()
		delete(e.handles, executionID)
		e.mu.Unlock()
	}()

	return executionID, nil
}

func (e *executor) RespondToApproval(ctx context.Context, approvalID, approver, decision, feedback string) error {
	switch decision {
	case string(store.ApprovalStatusApproved):
		_, err := e.deps.Approvals.Approve(ctx, approvalID, approver, nil)
		return err
	case string(store.ApprovalStatusRejected):
		_, err := e.deps.Approvals.Reject(ctx, approvalID, approver, feedback)
		return err
	case string(store.ApprovalStatusRequestChanges):
		_, _, err := e.deps.Approvals.RequestChanges(ctx, approvalID, approver, feedback)
		return err
	default:
		return ferrors.New(ferrors.KindInvalidInput, "workflow.RespondToApproval", "unrecognized decision").WithDetails(map[string]any{"decision": decision})
	}
}

// CancelExecution marks executionID cancelled and best-effort cancels the
// driving engine workflow; the scheduler itself transitions individual
// step executions to cancelled once it observes ctx cancellation.
//
// Like task.Executor.CancelRun, the store is the terminal state of record
// and transitions synchronously (spec §5's cancellation is cooperative, not
// forced); a background watchdog bounds how long the underlying workflow
// may take to actually unwind to deps.CancelGracePeriod and logs if it
// doesn't, rather than blocking the caller on it.
func (e *executor) CancelExecution(ctx context.Context, executionID string) error {
	exec, found, err := e.deps.Store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if !found {
		return ferrors.New(ferrors.KindNotFound, "workflow.CancelExecution", "execution not found").WithDetails(map[string]any{"execution_id": executionID})
	}
	if exec.Status != store.WorkflowStatusRunning {
		return nil
	}

	e.mu.Lock()
	rh, ok := e.handles[executionID]
	e.mu.Unlock()
	if ok {
		_ = rh.handle.Cancel(ctx)
		rh.cancel()
	}

	exec.Status = store.WorkflowStatusCancelled
	if err := e.deps.Store.UpdateExecution(ctx, exec); err != nil {
		return err
	}

	if ok {
		go e.watchCancelGrace(executionID, rh.handle)
	}
	return nil
}

// watchCancelGrace waits up to deps.CancelGracePeriod for handle to reach a
// terminal state after cancellation and logs a warning if it overruns the
// deadline. It never blocks CancelExecution's caller.
func (e *executor) watchCancelGrace(executionID string, handle engine.WorkflowHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), e.deps.CancelGracePeriod)
	defer cancel()
	if err := handle.Wait(ctx, nil); err != nil && ctx.Err() != nil {
		e.deps.Telem.Logger.Warn(ctx, "workflow: execution outlived its cancellation grace period",
			"execution_id", executionID, "grace_period", e.deps.CancelGracePeriod)
	}
}

func (e *executor) WaitExecution(ctx context.Context, executionID string) (RunOutput, error) {
	e.mu.Lock()
	rh, ok := e.handles[executionID]
	e.mu.Unlock()
	if !ok {
		exec, found, err := e.deps.Store.GetExecution(ctx, executionID)
		if err != nil {
			return RunOutput{}, err
		}
		if !found {
			return RunOutput{}, ferrors.New(ferrors.KindNotFound, "workflow.WaitExecution", "execution not found").WithDetails(map[string]any{"execution_id": executionID})
		}
		return RunOutput{ExecutionID: exec.ID, Status: exec.Status, Results: exec.Results}, nil
	}
	var out RunOutput
	err := rh.handle.Wait(ctx, &out)
	return out, err
}
