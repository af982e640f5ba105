package task

import (
	"context"

	"github.com/mgxai/fabric/engine"
	"github.com/mgxai/fabric/events"
	"github.com/mgxai/fabric/ferrors"
	"github.com/mgxai/fabric/gitcoord"
	"github.com/mgxai/fabric/ids"
	"github.com/mgxai/fabric/store"
)

// SignalPlanDecision is the signal name the workflow waits on while a run
// is in awaiting_approval; Executor.ApprovePlan/RejectPlan deliver it.
const SignalPlanDecision = "plan_decision"

// PlanDecision is the payload ApprovePlan/RejectPlan signal the workflow
// with.
type PlanDecision struct {
	Approved bool
	Reason   string
}

// runState carries a RunTaskWorkflow execution's mutable phase state; it is
// not persisted directly (the engine replays the workflow function itself)
// but every phase transition is published via changePhase so an external
// reader (API, CLI) observes progress without waiting for the terminal
// result.
type runState struct {
	task  store.Task
	run   store.TaskRun
	d     *Deps
	phase string

	localPath  string
	branchName string
}

// RunTaskWorkflow is the WorkflowFunc registered as task.WorkflowName. It
// implements the phase state machine of spec §4.1: analyze -> plan ->
// (approve) -> git setup -> execute/review loop -> finalize -> cleanup.
func (d *Deps) RunTaskWorkflow(wfCtx engine.WorkflowContext, rawInput any) (any, error) {
	in, ok := rawInput.(RunInput)
	if !ok {
		return nil, ferrors.New(ferrors.KindInvalidInput, WorkflowName, "unexpected workflow input type")
	}
	ctx := wfCtx.Context()
	d = d.fill()

	task, found, err := d.Store.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ferrors.New(ferrors.KindNotFound, WorkflowName, "task not found").WithDetails(map[string]any{"task_id": in.TaskID})
	}
	runNumber, err := d.Store.NextRunNumber(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	run, err := d.Store.CreateRun(ctx, store.TaskRun{
		ID:        in.RunID,
		TaskID:    in.TaskID,
		Workspace: in.Workspace,
		Project:   in.Project,
		RunNumber: runNumber,
		Status:    store.RunStatusAnalyzing,
		StartedAt: wfCtx.Now().UnixNano(),
	})
	if err != nil {
		return nil, err
	}
	d.publish(ctx, events.TypeRunStarted, run.ID, in.Workspace, in.TaskID, nil)

	st := &runState{task: task, run: run, d: d, phase: "analyzing"}
	defer st.cleanup(ctx)

	out, runErr := st.run(wfCtx)
	out.RunID = run.ID
	out.RunNumber = runNumber

	run.Status = out.FinalStatus
	run.CompletedAt = wfCtx.Now().UnixNano()
	run.BranchName = out.BranchName
	run.CommitSHA = out.CommitSHA
	run.PRURL = out.PRURL
	if runErr != nil || out.FailureKind != "" {
		run.Error = &store.ErrorInfo{Kind: out.FailureKind, Message: out.FailureNote}
	}
	_ = d.Store.UpdateRun(ctx, run)

	switch out.FinalStatus {
	case store.RunStatusCompleted:
		d.publish(ctx, events.TypeRunCompleted, run.ID, in.Workspace, in.TaskID, nil)
	case store.RunStatusCancelled:
		d.publish(ctx, events.TypeRunCancelled, run.ID, in.Workspace, in.TaskID, nil)
	case store.RunStatusTimeout:
		d.publish(ctx, events.TypeRunTimeout, run.ID, in.Workspace, in.TaskID, nil)
	default:
		d.publish(ctx, events.TypeRunFailed, run.ID, in.Workspace, in.TaskID, map[string]any{"kind": out.FailureKind, "message": out.FailureNote})
	}
	return out, runErr
}

func (st *runState) changePhase(ctx context.Context, phase string) {
	st.phase = phase
	st.d.publish(ctx, events.TypePhaseChanged, st.run.ID, st.run.Workspace, st.task.ID, map[string]any{"phase": phase})
}

// run drives the phase sequence and returns a terminal RunOutput. It never
// itself returns a non-nil error for ordinary run failures (those become
// RunOutput.FailureKind/FailureNote with FinalStatus=failed); a non-nil
// error return is reserved for unrecoverable workflow-engine faults.
func (st *runState) run(wfCtx engine.WorkflowContext) (RunOutput, error) {
	ctx := wfCtx.Context()
	d := st.d

	st.changePhase(ctx, "analyzing")
	var analysis analyzeOutput
	if err := wfCtx.ExecuteActivity(ctx, engine.ActivityRequest{Name: ActivityAnalyze, Input: analyzeInput{
		Workspace: st.run.Workspace, TaskName: st.task.Name, Description: st.task.Description,
	}}, &analysis); err != nil {
		return st.fail(ferrors.KindLLMFailed, err), nil
	}

	st.changePhase(ctx, "planning")
	maxRounds := roundsForComplexity(analysis.Complexity, st.task.MaxRounds)
	var plan planOutput
	if err := wfCtx.ExecuteActivity(ctx, engine.ActivityRequest{Name: ActivityPlan, Input: planInput{
		Workspace: st.run.Workspace, TaskName: st.task.Name, Description: st.task.Description, Complexity: analysis.Complexity,
	}}, &plan); err != nil {
		return st.fail(ferrors.KindLLMFailed, err), nil
	}
	st.run.Plan = map[string]any{"steps": plan.Steps, "complexity": string(analysis.Complexity)}

	autoApprove, _ := st.task.Config["auto_approve_plan"].(bool)
	if !autoApprove {
		st.changePhase(ctx, "awaiting_approval")
		d.publish(ctx, events.TypePlanReady, st.run.ID, st.run.Workspace, st.task.ID, map[string]any{"plan": st.run.Plan})
		var decision PlanDecision
		if err := wfCtx.SignalChannel(SignalPlanDecision).Receive(ctx, &decision); err != nil {
			return st.fail(ferrors.KindCancelled, err), nil
		}
		if !decision.Approved {
			return RunOutput{FinalStatus: store.RunStatusFailed, FailureKind: string(ferrors.KindInvalidInput), FailureNote: "plan rejected: " + decision.Reason}, nil
		}
	}

	st.changePhase(ctx, "executing")
	if st.task.Config["repo_url"] != nil {
		st.setupGit(ctx, wfCtx)
	}

	round := 0
	var reviewNotes string
	var prevNotesHash string
	for {
		st.changePhase(ctx, "reviewing")
		var execOut executeRoundOutput
		if err := wfCtx.ExecuteActivity(ctx, engine.ActivityRequest{Name: ActivityExecuteRound, Input: executeRoundInput{
			Workspace: st.run.Workspace, Project: st.run.Project, TaskName: st.task.Name,
			Plan: plan.Steps, ReviewNotes: reviewNotes, RoundNumber: round,
		}}, &execOut); err != nil {
			return st.fail(ferrors.KindLLMFailed, err), nil
		}
		round++
		st.run.RoundCount = round

		if execOut.Verdict == "approved" {
			return st.complete(ctx, wfCtx, execOut)
		}
		if round >= maxRounds || execOut.ReviewNotes == prevNotesHash {
			return RunOutput{FinalStatus: store.RunStatusFailed, FailureKind: string(ferrors.KindInvalidInput), FailureNote: "revision budget exhausted"}, nil
		}
		reviewNotes = execOut.ReviewNotes
		prevNotesHash = execOut.ReviewNotes
	}
}

func (st *runState) setupGit(ctx context.Context, wfCtx engine.WorkflowContext) {
	d := st.d
	repoURL, _ := st.task.Config["repo_url"].(string)
	baseBranch, _ := st.task.Config["base_branch"].(string)
	branch := gitcoord.BranchName(st.task.BranchPrefix, ids.Slug(st.task.Name), st.run.RunNumber)

	var out gitSetupOutput
	if err := wfCtx.ExecuteActivity(ctx, engine.ActivityRequest{Name: ActivityGitSetup, Input: gitSetupInput{
		Workspace: st.run.Workspace, Project: st.run.Project, RepoURL: repoURL, BaseBranch: baseBranch, BranchName: branch,
	}}, &out); err != nil {
		d.publish(ctx, events.TypeGitOperationFailed, st.run.ID, st.run.Workspace, st.task.ID, map[string]any{"err": err.Error()})
		return
	}
	if out.Failed {
		d.publish(ctx, events.TypeGitOperationFailed, st.run.ID, st.run.Workspace, st.task.ID, map[string]any{"err": out.Err})
		return
	}
	st.localPath = out.LocalPath
	st.branchName = out.BranchName
	st.run.GitStatus = store.GitStatusBranchCreated
	d.publish(ctx, events.TypeGitBranchCreated, st.run.ID, st.run.Workspace, st.task.ID, map[string]any{"branch": out.BranchName})
}

func (st *runState) complete(ctx context.Context, wfCtx engine.WorkflowContext, execOut executeRoundOutput) (RunOutput, error) {
	d := st.d
	st.changePhase(ctx, "completing")
	out := RunOutput{FinalStatus: store.RunStatusCompleted, BranchName: st.branchName}

	if st.localPath == "" {
		return out, nil
	}
	repoURL, _ := st.task.Config["repo_url"].(string)
	baseBranch, _ := st.task.Config["base_branch"].(string)

	var fin finalizeOutput
	if err := wfCtx.ExecuteActivity(ctx, engine.ActivityRequest{Name: ActivityFinalize, Input: finalizeInput{
		LocalPath: st.localPath, Files: execOut.Files, CommitTemplate: st.task.CommitTemplate,
		TaskName: st.task.Name, RunNumber: st.run.RunNumber, RepoURL: repoURL, Branch: st.branchName, BaseBranch: baseBranch,
	}}, &fin); err != nil {
		d.publish(ctx, events.TypeGitOperationFailed, st.run.ID, st.run.Workspace, st.task.ID, map[string]any{"err": err.Error()})
		return out, nil
	}
	if fin.Failed {
		d.publish(ctx, events.TypeGitOperationFailed, st.run.ID, st.run.Workspace, st.task.ID, map[string]any{"err": fin.Err})
		return out, nil
	}
	out.CommitSHA = fin.CommitSHA
	st.run.GitStatus = store.GitStatusCommitted
	d.publish(ctx, events.TypeGitCommitted, st.run.ID, st.run.Workspace, st.task.ID, map[string]any{"sha": fin.CommitSHA})
	if fin.Pushed {
		st.run.GitStatus = store.GitStatusPushed
		d.publish(ctx, events.TypeGitPushed, st.run.ID, st.run.Workspace, st.task.ID, nil)
	}
	if fin.PRURL != "" {
		out.PRURL = fin.PRURL
		st.run.GitStatus = store.GitStatusPROpened
		d.publish(ctx, events.TypeGitPROpened, st.run.ID, st.run.Workspace, st.task.ID, map[string]any{"pr_url": fin.PRURL})
	}
	return out, nil
}

func (st *runState) fail(kind ferrors.Kind, err error) RunOutput {
	return RunOutput{FinalStatus: store.RunStatusFailed, FailureKind: string(kind), FailureNote: err.Error()}
}

// cleanup always runs (deferred in RunTaskWorkflow) to delete local
// worktree state; it never deletes the remote branch (spec §4.1 step 8).
func (st *runState) cleanup(ctx context.Context) {
	if st.localPath == "" {
		return
	}
	// Best-effort; activity scheduling from a defer after the workflow
	// function's own context may already be cancelled, so errors here are
	// logged by cleanupActivity itself rather than propagated.
	_, _ = st.d.cleanupActivity(ctx, st.localPath)
}
