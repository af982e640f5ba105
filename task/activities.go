package task

import (
	"context"
	"fmt"
	"strings"

	"github.com/mgxai/fabric/agentctl"
	"github.com/mgxai/fabric/ferrors"
	"github.com/mgxai/fabric/gitcoord"
	"github.com/mgxai/fabric/ids"
	"github.com/mgxai/fabric/llmport"
	"github.com/mgxai/fabric/sandbox"
	"github.com/mgxai/fabric/stack"
)

// Activity names, used both for engine.ActivityDefinition.Name and for the
// ActivityRequest.Name workflow code schedules by.
const (
	ActivityAnalyze      = "task.analyze"
	ActivityPlan         = "task.plan"
	ActivityGitSetup     = "task.git_setup"
	ActivityExecuteRound = "task.execute_round"
	ActivityFinalize     = "task.finalize"
	ActivityCleanup      = "task.cleanup"
)

type analyzeInput struct {
	Workspace   string
	TaskName    string
	Description string
}

type analyzeOutput struct {
	Complexity   Complexity
	FileManifest []string
	TestStrategy string
}

// analyzeActivity estimates run complexity and test strategy from the task
// description via a single LLM call (spec §4.1 step 2).
func (d *Deps) analyzeActivity(ctx context.Context, raw any) (any, error) {
	in, ok := raw.(analyzeInput)
	if !ok {
		return nil, ferrors.New(ferrors.KindInvalidInput, ActivityAnalyze, "unexpected input type")
	}
	prompt := fmt.Sprintf(
		"Analyze this coding task and respond with a complexity rating (XS, S, M, L, or XL) on the first line, then a short test strategy.\nTask: %s\nDescription: %s",
		in.TaskName, in.Description,
	)
	resp, err := d.LLM.Complete(ctx, llmport.Request{Workspace: in.Workspace, Prompt: prompt})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindLLMFailed, ActivityAnalyze, err)
	}
	return analyzeOutput{
		Complexity:   parseComplexity(resp.Text),
		TestStrategy: resp.Text,
	}, nil
}

func parseComplexity(text string) Complexity {
	upper := strings.ToUpper(text)
	for _, c := range []Complexity{ComplexityXS, ComplexityS, ComplexityM, ComplexityL, ComplexityXL} {
		if strings.Contains(upper, string(c)) {
			return c
		}
	}
	return ComplexityM
}

type planInput struct {
	Workspace   string
	TaskName    string
	Description string
	Complexity  Complexity
}

type planOutput struct {
	Steps []planStep
}

// planActivity produces the step list an execute round walks (spec §4.1
// step 3).
func (d *Deps) planActivity(ctx context.Context, raw any) (any, error) {
	in, ok := raw.(planInput)
	if !ok {
		return nil, ferrors.New(ferrors.KindInvalidInput, ActivityPlan, "unexpected input type")
	}
	prompt := fmt.Sprintf(
		"Produce a short plan (engineer, tester, reviewer steps) for: %s\n%s\nComplexity: %s",
		in.TaskName, in.Description, in.Complexity,
	)
	resp, err := d.LLM.Complete(ctx, llmport.Request{Workspace: in.Workspace, Prompt: prompt})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindLLMFailed, ActivityPlan, err)
	}
	return planOutput{Steps: []planStep{
		{Name: "implement", Role: agentctl.RoleEngineer, Note: resp.Text},
		{Name: "test", Role: agentctl.RoleTester, Note: "write/execute tests for the implementation"},
		{Name: "review", Role: agentctl.RoleReviewer, Note: "review diff and test results"},
	}}, nil
}

type gitSetupInput struct {
	Workspace  string
	Project    string
	RepoURL    string
	BaseBranch string
	BranchName string
}

type gitSetupOutput struct {
	LocalPath  string
	BranchName string
	Failed     bool
	Err        string
}

// gitSetupActivity prepares the run's worktree. Per spec §4.1 step 5, git
// failures never fail the run — they're reported back as a non-fatal
// outcome for the workflow to record and skip later git phases on.
func (d *Deps) gitSetupActivity(ctx context.Context, raw any) (any, error) {
	in, ok := raw.(gitSetupInput)
	if !ok {
		return nil, ferrors.New(ferrors.KindInvalidInput, ActivityGitSetup, "unexpected input type")
	}
	if in.RepoURL == "" || d.Git == nil {
		return gitSetupOutput{Failed: true, Err: "no repository configured"}, nil
	}
	path, err := d.Git.PrepareWorktree(ctx, in.RepoURL, in.BaseBranch, in.BranchName)
	if err != nil {
		return gitSetupOutput{Failed: true, Err: err.Error()}, nil
	}
	return gitSetupOutput{LocalPath: path, BranchName: in.BranchName}, nil
}

type executeRoundInput struct {
	Workspace    string
	Project      string
	TaskName     string
	Plan         []planStep
	ReviewNotes  string
	RoundNumber  int
}

type executeRoundOutput struct {
	Files       []stack.File
	Verdict     string // "approved" | "changes_required"
	ReviewNotes string
}

// executeRoundActivity assigns an agent instance per role, drives
// engineer->tester->reviewer for one revision round (spec §4.1 step 6).
func (d *Deps) executeRoundActivity(ctx context.Context, raw any) (any, error) {
	in, ok := raw.(executeRoundInput)
	if !ok {
		return nil, ferrors.New(ferrors.KindInvalidInput, ActivityExecuteRound, "unexpected input type")
	}

	engineerInstance, err := d.Agents.Assign(ctx, agentctl.AssignRequest{
		Workspace: in.Workspace, Project: in.Project, Role: agentctl.RoleEngineer,
	})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, ActivityExecuteRound, err)
	}
	defer d.Agents.Release(ctx, engineerInstance.ID)

	prompt := fmt.Sprintf("Implement the plan for %s as a FILE manifest.\n%s", in.TaskName, planSummary(in.Plan))
	if in.ReviewNotes != "" {
		prompt += "\n\nAddress this review feedback:\n" + in.ReviewNotes
	}
	implResp, err := d.LLM.Complete(ctx, llmport.Request{Workspace: in.Workspace, Prompt: prompt})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindLLMFailed, ActivityExecuteRound, err)
	}
	files := stack.ParseManifest(implResp.Text)
	for _, f := range files {
		if err := stack.ValidatePath(f.Path); err != nil {
			return executeRoundOutput{Files: files, Verdict: "changes_required", ReviewNotes: err.Error()}, nil
		}
	}

	testerInstance, err := d.Agents.Assign(ctx, agentctl.AssignRequest{
		Workspace: in.Workspace, Project: in.Project, Role: agentctl.RoleTester,
	})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, ActivityExecuteRound, err)
	}
	defer d.Agents.Release(ctx, testerInstance.ID)

	sandboxFiles := make(map[string][]byte, len(files))
	for _, f := range files {
		sandboxFiles[f.Path] = []byte(f.Content)
	}
	var testNotes string
	if d.Sandbox != nil && len(sandboxFiles) > 0 {
		result, execErr := d.Sandbox.Execute(ctx, sandbox.Request{
			Workspace: in.Workspace,
			Project:   in.Project,
			Run:       ids.New(),
			Language:  sandbox.LanguageShell,
			Files:     sandboxFiles,
		})
		if execErr != nil {
			testNotes = "sandbox execution error: " + execErr.Error()
		} else if result.Status != sandbox.StatusCompleted {
			testNotes = fmt.Sprintf("tests did not pass: status=%s stderr=%s", result.Status, result.Stderr)
		}
	}

	reviewerInstance, err := d.Agents.Assign(ctx, agentctl.AssignRequest{
		Workspace: in.Workspace, Project: in.Project, Role: agentctl.RoleReviewer,
	})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, ActivityExecuteRound, err)
	}
	defer d.Agents.Release(ctx, reviewerInstance.ID)

	reviewPrompt := fmt.Sprintf("Review this change for %s. Test notes: %s\nRespond with APPROVED or CHANGES_REQUIRED plus reasoning.", in.TaskName, testNotes)
	reviewResp, err := d.LLM.Complete(ctx, llmport.Request{Workspace: in.Workspace, Prompt: reviewPrompt})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindLLMFailed, ActivityExecuteRound, err)
	}

	verdict := "changes_required"
	if strings.Contains(strings.ToUpper(reviewResp.Text), "APPROVED") && testNotes == "" {
		verdict = "approved"
	}
	return executeRoundOutput{Files: files, Verdict: verdict, ReviewNotes: reviewResp.Text}, nil
}

func planSummary(steps []planStep) string {
	var b strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", s.Role, s.Name, s.Note)
	}
	return b.String()
}

type finalizeInput struct {
	LocalPath      string
	Files          []stack.File
	CommitTemplate string
	TaskName       string
	RunNumber      int
	RepoURL        string
	Branch         string
	BaseBranch     string
}

type finalizeOutput struct {
	CommitSHA string
	Pushed    bool
	PRURL     string
	Failed    bool
	Err       string
}

// finalizeActivity stages, commits, pushes, and opens a draft PR. Per spec
// §4.1 step 7, each sub-step's failure is independently non-fatal.
func (d *Deps) finalizeActivity(ctx context.Context, raw any) (any, error) {
	in, ok := raw.(finalizeInput)
	if !ok {
		return nil, ferrors.New(ferrors.KindInvalidInput, ActivityFinalize, "unexpected input type")
	}
	if d.Git == nil || in.LocalPath == "" {
		return finalizeOutput{Failed: true, Err: "no git worktree available"}, nil
	}

	msg := gitcoord.RenderCommitMessage(in.CommitTemplate, in.TaskName, in.RunNumber)
	sha, err := d.Git.StageAndCommit(ctx, in.LocalPath, msg, nil)
	if err != nil {
		return finalizeOutput{Failed: true, Err: err.Error()}, nil
	}
	out := finalizeOutput{CommitSHA: sha}

	if err := d.Git.Push(ctx, in.LocalPath, in.Branch); err != nil {
		out.Err = err.Error()
		return out, nil
	}
	out.Pushed = true

	prURL, err := d.Git.OpenPullRequest(ctx, gitcoord.PullRequestRequest{
		RepoURL: in.RepoURL,
		Branch:  in.Branch,
		Base:    in.BaseBranch,
		Title:   fmt.Sprintf("MGX: %s - Run #%d", in.TaskName, in.RunNumber),
	})
	if err != nil {
		out.Err = err.Error()
		return out, nil
	}
	out.PRURL = prURL
	return out, nil
}

// cleanupActivity always runs from a deferred block in the workflow,
// deleting local worktree state while leaving any pushed remote branch
// intact for review (spec §4.1 step 8).
func (d *Deps) cleanupActivity(ctx context.Context, raw any) (any, error) {
	in, ok := raw.(string)
	if !ok || in == "" || d.Git == nil {
		return nil, nil
	}
	if err := d.Git.Cleanup(ctx, in); err != nil {
		d.Telem.Logger.Warn(ctx, "task: cleanup failed", "path", in, "err", err)
	}
	return nil, nil
}
