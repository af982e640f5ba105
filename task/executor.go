package task

import (
	"context"
	"sync"

	"github.com/mgxai/fabric/engine"
	"github.com/mgxai/fabric/ferrors"
	"github.com/mgxai/fabric/ids"
	"github.com/mgxai/fabric/store"
)

// Executor is the Task Executor's public contract (spec §4.1).
type Executor interface {
	// RunTask starts a new run for task and blocks until it reaches a
	// terminal status, returning the run ID and final status. Pre: task
	// must not already have a non-terminal run (enforced by
	// store.TaskStore.RunningRun/NextRunNumber at the storage boundary).
	RunTask(ctx context.Context, taskID string, input map[string]any) (RunOutput, error)
	// ApprovePlan signals a run suspended in awaiting_approval to proceed.
	ApprovePlan(ctx context.Context, runID string) error
	// RejectPlan signals a run suspended in awaiting_approval to fail with
	// the given reason.
	RejectPlan(ctx context.Context, runID, reason string) error
	// CancelRun transitions a non-terminal run to cancelled. Idempotent.
	CancelRun(ctx context.Context, runID string) error
}

type executor struct {
	deps *Deps
	eng  engine.Engine

	mu        sync.Mutex
	handles   map[string]engine.WorkflowHandle // keyed by run ID
	taskQueue string
}

// New constructs an Executor and registers RunTaskWorkflow plus its
// activities on eng. Call once per process, before any workers start
// polling (mirrors runtime.Runtime.RegisterAgent's registration-before-
// start-workers ordering).
func New(ctx context.Context, eng engine.Engine, deps Deps, taskQueue string) (Executor, error) {
	d := deps.fill()
	if taskQueue == "" {
		taskQueue = "task"
	}
	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      WorkflowName,
		TaskQueue: taskQueue,
		Handler:   d.RunTaskWorkflow,
	}); err != nil {
		return nil, err
	}
	for _, def := range d.activityDefinitions(taskQueue) {
		if err := eng.RegisterActivity(ctx, def); err != nil {
			return nil, err
		}
	}
	return &executor{deps: d, eng: eng, handles: make(map[string]engine.WorkflowHandle), taskQueue: taskQueue}, nil
}

func (d *Deps) activityDefinitions(queue string) []engine.ActivityDefinition {
	return []engine.ActivityDefinition{
		{Name: ActivityAnalyze, Handler: d.analyzeActivity, Options: engine.ActivityOptions{Queue: queue}},
		{Name: ActivityPlan, Handler: d.planActivity, Options: engine.ActivityOptions{Queue: queue}},
		{Name: ActivityGitSetup, Handler: d.gitSetupActivity, Options: engine.ActivityOptions{Queue: queue}},
		{Name: ActivityExecuteRound, Handler: d.executeRoundActivity, Options: engine.ActivityOptions{Queue: queue}},
		{Name: ActivityFinalize, Handler: d.finalizeActivity, Options: engine.ActivityOptions{Queue: queue}},
		{Name: ActivityCleanup, Handler: d.cleanupActivity, Options: engine.ActivityOptions{Queue: queue}},
	}
}

func (e *executor) RunTask(ctx context.Context, taskID string, input map[string]any) (RunOutput, error) {
	task, found, err := e.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		return RunOutput{}, err
	}
	if !found {
		return RunOutput{}, ferrors.New(ferrors.KindNotFound, "task.RunTask", "task not found").WithDetails(map[string]any{"task_id": taskID})
	}
	if running, ok, err := e.deps.Store.RunningRun(ctx, taskID); err != nil {
		return RunOutput{}, err
	} else if ok {
		return RunOutput{}, ferrors.New(ferrors.KindConflict, "task.RunTask", "task already has a running run").
			WithDetails(map[string]any{"task_id": taskID, "run_id": running.ID})
	}

	runID := ids.NewPrefixed("run")
	handle, err := e.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        runID,
		Workflow:  WorkflowName,
		TaskQueue: e.taskQueue,
		Input: RunInput{
			RunID:     runID,
			TaskID:    taskID,
			Workspace: task.Workspace,
			Project:   task.Project,
			Input:     input,
		},
	})
	if err != nil {
		return RunOutput{}, err
	}

	e.mu.Lock()
	e.handles[runID] = handle
	e.mu.Unlock()

	var out RunOutput
	waitErr := handle.Wait(ctx, &out)

	e.mu.Lock()
	delete(e.handles, runID)
	e.mu.Unlock()

	if waitErr != nil {
		return out, waitErr
	}
	return out, nil
}

func (e *executor) ApprovePlan(ctx context.Context, runID string) error {
	handle, err := e.handleFor(runID)
	if err != nil {
		return err
	}
	return handle.Signal(ctx, SignalPlanDecision, PlanDecision{Approved: true})
}

func (e *executor) RejectPlan(ctx context.Context, runID, reason string) error {
	handle, err := e.handleFor(runID)
	if err != nil {
		return err
	}
	return handle.Signal(ctx, SignalPlanDecision, PlanDecision{Approved: false, Reason: reason})
}

// CancelRun cancels the engine workflow driving runID and marks the run
// cancelled in the store. It is idempotent: cancelling an already-terminal
// run is a no-op rather than an error, matching spec §4.1's "Idempotent".
//
// Cancellation is cooperative (spec §5): Cancel flips the engine workflow's
// token, and the run record is marked cancelled immediately rather than
// waiting for the in-flight activity to unwind, since the store — not the
// engine workflow's own completion — is this run's terminal state of
// record. A background watchdog still waits up to deps.CancelGracePeriod
// for the workflow to actually finish and logs if it doesn't, so a handler
// that ignores its cancellation token is observable rather than silent.
func (e *executor) CancelRun(ctx context.Context, runID string) error {
	run, found, err := e.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !found {
		return ferrors.New(ferrors.KindNotFound, "task.CancelRun", "run not found").WithDetails(map[string]any{"run_id": runID})
	}
	if run.Status.Terminal() {
		return nil
	}

	handle, handleErr := e.handleFor(runID)
	if handleErr == nil {
		_ = handle.Cancel(ctx)
	}

	run.Status = store.RunStatusCancelled
	if err := e.deps.Store.UpdateRun(ctx, run); err != nil {
		return err
	}

	if handleErr == nil {
		go e.watchCancelGrace(runID, handle)
	}
	return nil
}

// watchCancelGrace waits up to deps.CancelGracePeriod for handle to reach a
// terminal state after cancellation and logs a warning if it overruns the
// deadline. It never blocks CancelRun's caller.
func (e *executor) watchCancelGrace(runID string, handle engine.WorkflowHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), e.deps.CancelGracePeriod)
	defer cancel()
	if err := handle.Wait(ctx, nil); err != nil && ctx.Err() != nil {
		e.deps.Telem.Logger.Warn(ctx, "task: run outlived its cancellation grace period",
			"run_id", runID, "grace_period", e.deps.CancelGracePeriod)
	}
}

func (e *executor) handleFor(runID string) (engine.WorkflowHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[runID]
	if !ok {
		return nil, ferrors.New(ferrors.KindNotFound, "task.handleFor", "no active workflow for run").
			WithDetails(map[string]any{"run_id": runID})
	}
	return h, nil
}
