package workflow

import (
	"context"
	"sort"
	"time"

	"github.com/mgxai/fabric/engine"
	"github.com/mgxai/fabric/events"
	"github.com/mgxai/fabric/ferrors"
	"github.com/mgxai/fabric/store"
)

// schedulerPollInterval bounds how often the scheduler checks in-flight
// step futures for completion when none are yet ready. engine.Future
// exposes IsReady/Get but no "wait for whichever of N finishes first"
// primitive (unlike Temporal's workflow.Selector), so continuous-readiness
// scheduling here is a short poll loop rather than a true blocking select.
// This is a documented simplification of engine.WorkflowContext, not of the
// scheduling semantics themselves: see DESIGN.md.
const schedulerPollInterval = 20 * time.Millisecond

// scheduler drives one WorkflowExecution's steps to completion using only
// engine.WorkflowContext primitives (ExecuteActivityAsync/Future), the
// continuous-readiness algorithm of spec §4.2 generalized from the
// teacher-pack's DAGEngine worker-pool-plus-coordinator shape into a
// single-goroutine poll loop so it stays replay-safe under engine/temporal.
type scheduler struct {
	wfCtx engine.WorkflowContext
	d     *Deps

	exec  store.WorkflowExecution
	graph *dag

	stepExecs map[string]store.WorkflowStepExecution
	remaining map[string]int
	ready     []string
	inFlight  map[string]engine.Future

	stepsCtx  map[string]any // "steps" bucket of the execution context
	cancelled bool
	anyFailed bool
	persisted map[string]bool // step IDs already CreateStepExecution'd
}

func newScheduler(wfCtx engine.WorkflowContext, d *Deps, exec store.WorkflowExecution, graph *dag) *scheduler {
	s := &scheduler{
		wfCtx:     wfCtx,
		d:         d,
		exec:      exec,
		graph:     graph,
		stepExecs: make(map[string]store.WorkflowStepExecution, len(graph.Nodes)),
		remaining: make(map[string]int, len(graph.Nodes)),
		inFlight:  make(map[string]engine.Future),
		stepsCtx:  make(map[string]any, len(graph.Nodes)),
		persisted: make(map[string]bool, len(graph.Nodes)),
	}
	for id, n := range graph.Nodes {
		s.remaining[id] = n.InDegree
	}
	ids := make([]string, 0, len(graph.Roots))
	for _, n := range graph.Roots {
		ids = append(ids, n.Step.ID)
	}
	sort.Strings(ids)
	s.ready = ids
	return s
}

// run executes the DAG to completion and returns the final execution
// status plus an aggregated results map keyed by step ID.
func (s *scheduler) run(ctx context.Context) (store.WorkflowStatus, map[string]any) {
	for len(s.ready) > 0 || len(s.inFlight) > 0 {
		if ctx.Err() != nil {
			s.cancelAllNonTerminal(ctx)
			break
		}
		s.dispatchReady(ctx)

		if len(s.inFlight) == 0 {
			continue
		}
		if !s.pollInFlight(ctx) {
			time.Sleep(schedulerPollInterval)
		}
	}

	results := make(map[string]any, len(s.stepsCtx))
	for k, v := range s.stepsCtx {
		results[k] = v
	}
	switch {
	case ctx.Err() != nil || s.cancelled:
		return store.WorkflowStatusCancelled, results
	case s.anyFailed:
		return store.WorkflowStatusFailed, results
	default:
		return store.WorkflowStatusCompleted, results
	}
}

func (s *scheduler) dispatchReady(ctx context.Context) {
	for _, stepID := range s.ready {
		node := s.graph.Nodes[stepID]
		if s.stepExecs[stepID].Status.Terminal() {
			continue
		}
		in := stepInput{
			ExecutionID: s.exec.ID,
			Workspace:   s.workspaceOf(),
			Project:     s.projectOf(),
			Step:        node.Step,
			Context:     s.contextSnapshot(),
			RetryCount:  s.stepExecs[stepID].RetryCount,
		}
		s.markRunning(ctx, stepID)

		switch node.Step.StepType {
		case store.StepTypeParallel, store.StepTypeSequential:
			// Logical groupings only; spec §4.2: "its children become ready
			// simultaneously" once it itself completes.
			s.completeStep(ctx, stepID, map[string]any{})
		case store.StepTypeCondition:
			fut, err := s.wfCtx.ExecuteActivityAsync(ctx, engine.ActivityRequest{Name: ActivityEvaluateCond, Input: in})
			if err != nil {
				s.failStep(ctx, stepID, err)
				continue
			}
			s.inFlight[stepID] = fut
		case store.StepTypeApproval:
			fut, err := s.wfCtx.ExecuteActivityAsync(ctx, engine.ActivityRequest{Name: ActivityAwaitApproval, Input: in})
			if err != nil {
				s.failStep(ctx, stepID, err)
				continue
			}
			s.inFlight[stepID] = fut
			waiting := s.stepExecs[stepID]
			waiting.Status = store.StepExecWaitingApproval
			s.stepExecs[stepID] = waiting
			s.persist(ctx, stepID)
		default: // task, agent
			fut, err := s.wfCtx.ExecuteActivityAsync(ctx, engine.ActivityRequest{Name: ActivityRunStep, Input: in})
			if err != nil {
				s.failStep(ctx, stepID, err)
				continue
			}
			s.inFlight[stepID] = fut
		}
	}
	s.ready = s.ready[:0]
}

// pollInFlight checks every in-flight future once; returns true if at
// least one completed this pass.
func (s *scheduler) pollInFlight(ctx context.Context) bool {
	ids := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	progressed := false
	for _, stepID := range ids {
		fut := s.inFlight[stepID]
		if !fut.IsReady() {
			continue
		}
		progressed = true
		delete(s.inFlight, stepID)
		node := s.graph.Nodes[stepID]

		switch node.Step.StepType {
		case store.StepTypeCondition:
			var out conditionOutput
			if err := fut.Get(ctx, &out); err != nil {
				s.failStep(ctx, stepID, err)
				continue
			}
			s.completeStep(ctx, stepID, map[string]any{"result": out.Result})
			skip := node.Step.TrueSteps
			if out.Result {
				skip = node.Step.FalseSteps
			}
			for _, childID := range skip {
				s.markSkipped(ctx, childID)
			}
		case store.StepTypeApproval:
			var out approvalOutput
			if err := fut.Get(ctx, &out); err != nil {
				s.failStep(ctx, stepID, err)
				continue
			}
			s.handleApprovalResult(ctx, stepID, out.Approval)
		default:
			var out stepOutput
			if err := fut.Get(ctx, &out); err != nil {
				s.failStep(ctx, stepID, err)
				continue
			}
			s.completeStep(ctx, stepID, out.Output)
		}
	}
	return progressed
}

func (s *scheduler) handleApprovalResult(ctx context.Context, stepID string, a store.StepApproval) {
	switch a.Status {
	case store.ApprovalStatusApproved:
		s.completeStep(ctx, stepID, map[string]any{"approval_id": a.ID, "status": string(a.Status)})
	case store.ApprovalStatusRequestChanges:
		s.requestStepChanges(ctx, stepID, a)
	default: // rejected, cancelled, timeout
		s.failStep(ctx, stepID, ferrors.New(ferrors.KindInvalidInput, ActivityAwaitApproval, "approval "+string(a.Status)).
			WithDetails(map[string]any{"approval_id": a.ID, "feedback": a.Feedback}))
	}
}

// requestStepChanges implements spec §4.6's "feeds the parent's feedback
// into the upstream agent step's revision input": the approval step's
// first declared dependency is re-dispatched with the feedback appended to
// its context and its retry_count bumped; the approval step itself returns
// to pending so it is recreated once that upstream step completes again.
func (s *scheduler) requestStepChanges(ctx context.Context, stepID string, a store.StepApproval) {
	node := s.graph.Nodes[stepID]
	if len(node.Step.DependsOnSteps) == 0 {
		s.failStep(ctx, stepID, ferrors.New(ferrors.KindInvalidInput, ActivityAwaitApproval, "request_changes on an approval step with no upstream step to revise"))
		return
	}
	upstreamID := node.Step.DependsOnSteps[0]
	upstream := s.stepExecs[upstreamID]
	upstream.RetryCount++
	upstream.Status = store.StepExecPending
	s.stepExecs[upstreamID] = upstream
	s.persist(ctx, upstreamID)
	if m, ok := s.stepsCtx[upstreamID].(map[string]any); ok {
		m["feedback"] = a.Feedback
	} else {
		s.stepsCtx[upstreamID] = map[string]any{"feedback": a.Feedback}
	}

	approvalExec := s.stepExecs[stepID]
	approvalExec.Status = store.StepExecPending
	approvalExec.RetryCount++
	s.stepExecs[stepID] = approvalExec
	s.persist(ctx, stepID)

	s.ready = append(s.ready, upstreamID)
}

// persist writes stepID's current step execution record to the store
// (spec §4.2: "a fully persisted execution record that survives process
// restart"); called after every status transition rather than only at the
// end of the run.
func (s *scheduler) persist(ctx context.Context, stepID string) {
	se := s.stepExecs[stepID]
	if s.persisted[stepID] {
		_ = s.d.Store.UpdateStepExecution(ctx, se)
		return
	}
	if _, err := s.d.Store.CreateStepExecution(ctx, se); err == nil {
		s.persisted[stepID] = true
	}
}

func (s *scheduler) markRunning(ctx context.Context, stepID string) {
	now := s.wfCtx.Now().UnixNano()
	se := s.stepExecs[stepID]
	se.ID = stepExecutionKey(s.exec.ID, stepID)
	se.ExecutionID = s.exec.ID
	se.StepID = stepID
	se.Status = store.StepExecRunning
	se.StartedAt = now
	s.stepExecs[stepID] = se
	s.persist(ctx, stepID)
	s.d.publish(ctx, events.TypeStepStarted, s.exec.ID, s.workspaceOf(), s.exec.WorkflowID, map[string]any{"step_id": stepID})
}

func (s *scheduler) completeStep(ctx context.Context, stepID string, output map[string]any) {
	se := s.stepExecs[stepID]
	se.Status = store.StepExecCompleted
	se.CompletedAt = s.wfCtx.Now().UnixNano()
	se.Output = output
	s.stepExecs[stepID] = se
	s.persist(ctx, stepID)
	s.stepsCtx[stepID] = map[string]any{"output": output}
	s.d.publish(ctx, events.TypeStepCompleted, s.exec.ID, s.workspaceOf(), s.exec.WorkflowID, map[string]any{"step_id": stepID})
	s.decrementChildren(ctx, stepID, true)
}

// failStep applies a step's retry policy; if attempts remain and the error
// is not configured fatal, it re-queues the step instead of terminating it
// (spec §4.2: "Attempts are counted only against non-fatal failures").
func (s *scheduler) failStep(ctx context.Context, stepID string, stepErr error) {
	node := s.graph.Nodes[stepID]
	se := s.stepExecs[stepID]

	if s.retryable(node.Step, se, stepErr) {
		se.RetryCount++
		s.stepExecs[stepID] = se
		backoff := time.Duration(node.Step.RetryPolicy.BackoffBaseMS) * time.Millisecond
		if backoff <= 0 {
			backoff = 200 * time.Millisecond
		}
		backoff *= time.Duration(1 << uint(se.RetryCount-1))
		time.Sleep(backoff)
		s.ready = append(s.ready, stepID)
		return
	}

	se.Status = store.StepExecFailed
	se.CompletedAt = s.wfCtx.Now().UnixNano()
	se.Error = &store.ErrorInfo{Kind: string(ferrors.KindOf(stepErr)), Message: stepErr.Error()}
	s.stepExecs[stepID] = se
	s.persist(ctx, stepID)
	s.d.publish(ctx, events.TypeStepFailed, s.exec.ID, s.workspaceOf(), s.exec.WorkflowID, map[string]any{"step_id": stepID, "error": stepErr.Error()})
	s.anyFailed = true

	// spec §4.2: "on failure, mark downstream ... as skipped unless the
	// step's on_failure is continue". The default (cancel) cascades a
	// skip to dependents; continue treats the failure as satisfied so
	// dependents still become ready. Either way the execution itself is
	// NOT aborted here — overall status is "failed", reserving
	// "cancelled" for an explicit external CancelExecution (spec §4.2:
	// "cancelled if external cancel").
	s.decrementChildren(ctx, stepID, node.Step.OnFailure == store.OnFailureContinue)
}

func (s *scheduler) retryable(step store.WorkflowStep, se store.WorkflowStepExecution, stepErr error) bool {
	if se.RetryCount >= step.RetryPolicy.MaxAttempts {
		return false
	}
	kind := string(ferrors.KindOf(stepErr))
	for _, fatal := range step.RetryPolicy.FatalErrors {
		if fatal == kind {
			return false
		}
	}
	return true
}

// markSkipped transitions stepID (and, unless it stops propagation,
// everything downstream of it) to skipped without ever running it; used
// both for a condition step's untaken branch and, indirectly, for cascaded
// skips from decrementChildren.
func (s *scheduler) markSkipped(ctx context.Context, stepID string) {
	if s.stepExecs[stepID].Status.Terminal() {
		return
	}
	node := s.graph.Nodes[stepID]
	se := s.stepExecs[stepID]
	se.ID = stepExecutionKey(s.exec.ID, stepID)
	se.ExecutionID = s.exec.ID
	se.StepID = stepID
	se.Status = store.StepExecSkipped
	se.CompletedAt = s.wfCtx.Now().UnixNano()
	s.stepExecs[stepID] = se
	s.persist(ctx, stepID)
	s.d.publish(ctx, events.TypeStepSkipped, s.exec.ID, s.workspaceOf(), s.exec.WorkflowID, map[string]any{"step_id": stepID})
	// StopSkipPropagation true means this step's skip does not cascade:
	// its children are treated as satisfied rather than skipped in turn.
	s.decrementChildren(ctx, stepID, node.Step.StopSkipPropagation)
}

// decrementChildren processes stepID's completion or skip: satisfied=true
// means the dependency counts toward readiness (completed, or skipped with
// StopSkipPropagation set); satisfied=false means it cascades a skip to
// every child instead.
func (s *scheduler) decrementChildren(ctx context.Context, stepID string, satisfied bool) {
	node := s.graph.Nodes[stepID]
	for _, child := range node.Children {
		childID := child.Step.ID
		if s.stepExecs[childID].Status.Terminal() {
			continue
		}
		if !satisfied {
			s.markSkipped(ctx, childID)
			continue
		}
		s.remaining[childID]--
		if s.remaining[childID] <= 0 {
			s.ready = append(s.ready, childID)
		}
	}
	sort.Strings(s.ready)
}

func (s *scheduler) cancelAllNonTerminal(ctx context.Context) {
	s.cancelled = true
	for id, se := range s.stepExecs {
		if se.Status.Terminal() {
			continue
		}
		se.Status = store.StepExecCancelled
		se.CompletedAt = s.wfCtx.Now().UnixNano()
		s.stepExecs[id] = se
		s.persist(ctx, id)
	}
	for id := range s.graph.Nodes {
		if _, ok := s.stepExecs[id]; ok {
			continue
		}
		s.stepExecs[id] = store.WorkflowStepExecution{
			ID: stepExecutionKey(s.exec.ID, id), ExecutionID: s.exec.ID, StepID: id,
			Status: store.StepExecCancelled, CompletedAt: s.wfCtx.Now().UnixNano(),
		}
		s.persist(ctx, id)
	}
	s.ready = nil
	s.inFlight = nil
}

func (s *scheduler) contextSnapshot() map[string]any {
	cp := make(map[string]any, len(s.stepsCtx))
	for k, v := range s.stepsCtx {
		cp[k] = v
	}
	return cp
}

func (s *scheduler) workspaceOf() string {
	ws, _ := s.exec.InputVariables["workspace"].(string)
	return ws
}

func (s *scheduler) projectOf() string {
	p, _ := s.exec.InputVariables["project"].(string)
	return p
}
