// Package task implements the Task Executor: the phase state machine that
// drives a single TaskRun from analysis through a reviewed (or rejected)
// change set, committed and opened as a draft pull request when a
// repository is configured (spec §4.1). It runs as a workflow on the engine
// abstraction (engine.Engine) so the same phase logic targets Temporal in
// production and the in-memory engine in tests, the way
// runtime/agent/runtime's turn loop runs on either engine adapter.
package task

import (
	"github.com/mgxai/fabric/agentctl"
	"github.com/mgxai/fabric/store"
)

// Complexity is the analyze phase's estimate of how much work a run needs.
type Complexity string

const (
	ComplexityXS Complexity = "XS"
	ComplexityS  Complexity = "S"
	ComplexityM  Complexity = "M"
	ComplexityL  Complexity = "L"
	ComplexityXL Complexity = "XL"
)

// maxRoundsByComplexity is the spec §4.1 step-3 table, capped by the task's
// own MaxRounds config.
var maxRoundsByComplexity = map[Complexity]int{
	ComplexityXS: 1,
	ComplexityS:  2,
	ComplexityM:  3,
	ComplexityL:  4,
	ComplexityXL: 5,
}

// roundsForComplexity returns the tuned round budget, capped by cap (a
// non-positive cap means uncapped).
func roundsForComplexity(c Complexity, cap int) int {
	n := maxRoundsByComplexity[c]
	if n == 0 {
		n = maxRoundsByComplexity[ComplexityM]
	}
	if cap > 0 && n > cap {
		n = cap
	}
	return n
}

// WorkflowName is the name RunTaskWorkflow registers under with engine.Engine.
const WorkflowName = "task.RunTask"

// RunInput is the task.RunTask workflow's input payload.
type RunInput struct {
	RunID     string
	TaskID    string
	Workspace string
	Project   string
	Input     map[string]any
}

// RunOutput is the workflow's terminal result.
type RunOutput struct {
	RunID        string
	RunNumber    int
	FinalStatus  store.RunStatus
	FailureKind  string
	FailureNote  string
	BranchName   string
	CommitSHA    string
	PRURL        string
}

// planStep is one entry of the plan an LLM call produces in the planning
// phase, referencing an agentctl.Role the executor resolves an instance for.
type planStep struct {
	Name string         `json:"name"`
	Role agentctl.Role  `json:"role"`
	Note string         `json:"note"`
}
