// Package workflow implements the Workflow Engine: DAG validation,
// continuous-readiness scheduling with parallel groups, condition
// branching, retries, and approval-gate steps (spec §4.2). The scheduler
// is built on the same engine.Engine abstraction the Task Executor uses,
// so the same step-dispatch code runs against Temporal in production and
// the in-memory engine in tests.
package workflow

import (
	"github.com/mgxai/fabric/engine"
	"github.com/mgxai/fabric/events"
	"github.com/mgxai/fabric/ferrors"
	"github.com/mgxai/fabric/store"
)

// WorkflowName is the engine workflow name registered by New.
const WorkflowName = "workflow.execute"

// RunInput is the engine.WorkflowStartRequest.Input payload for
// WorkflowName.
type RunInput struct {
	ExecutionID string
	WorkflowID  string
	Workspace   string
	Project     string
	InputVars   map[string]any
}

// RunOutput is WorkflowName's terminal result.
type RunOutput struct {
	ExecutionID string
	Status      store.WorkflowStatus
	Results     map[string]any
}

// runWorkflowExecution is the WorkflowFunc registered as WorkflowName. It
// loads the Workflow definition, persists the WorkflowExecution, and drives
// a scheduler to a terminal status.
func (d *Deps) runWorkflowExecution(wfCtx engine.WorkflowContext, rawInput any) (any, error) {
	in, ok := rawInput.(RunInput)
	if !ok {
		return nil, ferrors.New(ferrors.KindInvalidInput, WorkflowName, "unexpected workflow input type")
	}
	ctx := wfCtx.Context()
	d = d.fill()

	wf, found, err := d.Store.GetWorkflow(ctx, in.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ferrors.New(ferrors.KindNotFound, WorkflowName, "workflow not found").WithDetails(map[string]any{"workflow_id": in.WorkflowID})
	}
	if res := ValidateWorkflow(wf); !res.OK {
		return nil, ferrors.New(ferrors.KindInvalidInput, WorkflowName, "invalid workflow DAG").WithDetails(map[string]any{"errors": res.Errors})
	}
	graph, _, err := buildDAG(wf)
	if err != nil {
		return nil, err
	}

	exec := store.WorkflowExecution{
		ID:             in.ExecutionID,
		WorkflowID:     in.WorkflowID,
		Status:         store.WorkflowStatusRunning,
		StartedAt:      wfCtx.Now().UnixNano(),
		InputVariables: mergedVars(in),
	}
	exec, err = d.Store.CreateExecution(ctx, exec)
	if err != nil {
		return nil, err
	}
	d.publish(ctx, events.TypeWorkflowStarted, exec.ID, in.Workspace, in.WorkflowID, nil)

	sched := newScheduler(wfCtx, d, exec, graph)
	status, results := sched.run(ctx)

	exec.Status = status
	exec.CompletedAt = wfCtx.Now().UnixNano()
	exec.Results = results
	if status == store.WorkflowStatusFailed {
		exec.Error = &store.ErrorInfo{Kind: string(ferrors.KindInvalidInput), Message: "one or more steps failed"}
	}
	_ = d.Store.UpdateExecution(ctx, exec)

	switch status {
	case store.WorkflowStatusCompleted:
		d.publish(ctx, events.TypeWorkflowCompleted, exec.ID, in.Workspace, in.WorkflowID, nil)
	case store.WorkflowStatusCancelled:
		d.publish(ctx, events.TypeWorkflowCancelled, exec.ID, in.Workspace, in.WorkflowID, nil)
	default:
		d.publish(ctx, events.TypeWorkflowFailed, exec.ID, in.Workspace, in.WorkflowID, nil)
	}

	return RunOutput{ExecutionID: exec.ID, Status: status, Results: results}, nil
}

func mergedVars(in RunInput) map[string]any {
	vars := make(map[string]any, len(in.InputVars)+2)
	for k, v := range in.InputVars {
		vars[k] = v
	}
	vars["workspace"] = in.Workspace
	vars["project"] = in.Project
	return vars
}
