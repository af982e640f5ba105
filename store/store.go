// Package store defines persistence interfaces for every entity in the
// fabric's data model (spec §3): Task/TaskRun, Workflow/WorkflowExecution/
// WorkflowStepExecution, StepApproval, and SandboxExecution records. The
// Task Executor, Workflow Engine, and Approval Gate depend only on these
// interfaces, never on a concrete backend. store/inmem is the only backend
// in this module; both the tests and cmd/fabricd use it.
package store

import "context"

// TaskStatus is a Task's lifecycle status (spec §3).
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusTimeout   TaskStatus = "timeout"
)

// RunStatus is a TaskRun's phase-state-machine status (spec §4.1).
type RunStatus string

const (
	RunStatusCreated          RunStatus = "created"
	RunStatusAnalyzing        RunStatus = "analyzing"
	RunStatusPlanning         RunStatus = "planning"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusExecuting        RunStatus = "executing"
	RunStatusReviewing        RunStatus = "reviewing"
	RunStatusRevising         RunStatus = "revising"
	RunStatusCompleting       RunStatus = "completing"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusFailed           RunStatus = "failed"
	RunStatusCancelled        RunStatus = "cancelled"
	RunStatusTimeout          RunStatus = "timeout"
)

// Terminal reports whether s is one of the run's terminal statuses.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusTimeout:
		return true
	default:
		return false
	}
}

// GitStatus tracks a run's Git lifecycle progress (spec §3).
type GitStatus string

const (
	GitStatusPending       GitStatus = "pending"
	GitStatusBranchCreated GitStatus = "branch_created"
	GitStatusCommitted     GitStatus = "committed"
	GitStatusPushed        GitStatus = "pushed"
	GitStatusPROpened      GitStatus = "pr_opened"
	GitStatusFailed        GitStatus = "failed"
)

// ErrorInfo is the {error_kind, message, details} triple every terminal
// run/execution carries (spec §7).
type ErrorInfo struct {
	Kind    string
	Message string
	Details map[string]any
}

// Task is a user-submitted coding request scoped to a workspace/project.
type Task struct {
	ID                string
	Workspace         string
	Project           string
	Name              string
	Description       string
	Config            map[string]any
	Status            TaskStatus
	MaxRounds         int
	MaxRevisionRounds int
	BranchPrefix      string
	CommitTemplate    string
	TotalRuns         int
	SuccessfulRuns    int
	FailedRuns        int
	InProgressRuns    int
}

// TaskRun is one attempt to execute a Task end-to-end (spec §3).
type TaskRun struct {
	ID          string
	TaskID      string
	Workspace   string
	Project     string
	RunNumber   int
	Status      RunStatus
	Plan        map[string]any
	Results     map[string]any
	StartedAt   int64 // unix nanos; zero means not yet started
	CompletedAt int64
	RoundCount  int
	BranchName  string
	CommitSHA   string
	PRURL       string
	GitStatus   GitStatus
	Error       *ErrorInfo
}

// TaskStore persists Task and TaskRun records.
type TaskStore interface {
	CreateTask(ctx context.Context, t Task) (Task, error)
	GetTask(ctx context.Context, id string) (Task, bool, error)
	UpdateTask(ctx context.Context, t Task) error

	// NextRunNumber allocates and returns the next monotonic run_number for
	// taskID, starting at 1. Callers must create the TaskRun with this
	// number before any concurrent caller can observe a gap.
	NextRunNumber(ctx context.Context, taskID string) (int, error)
	CreateRun(ctx context.Context, r TaskRun) (TaskRun, error)
	GetRun(ctx context.Context, id string) (TaskRun, bool, error)
	UpdateRun(ctx context.Context, r TaskRun) error
	// RunningRun returns the run currently in RunStatusExecuting/Analyzing/
	// etc. (any non-terminal status) for taskID, if any, enforcing
	// at-most-one-running-run-per-task (spec §8 property 2).
	RunningRun(ctx context.Context, taskID string) (TaskRun, bool, error)
	ListRuns(ctx context.Context, taskID string) ([]TaskRun, error)
}

// WorkflowStatus is a WorkflowExecution's status.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// StepType is a WorkflowStep's kind (spec §3).
type StepType string

const (
	StepTypeTask      StepType = "task"
	StepTypeCondition StepType = "condition"
	StepTypeParallel  StepType = "parallel"
	StepTypeSequential StepType = "sequential"
	StepTypeAgent     StepType = "agent"
	StepTypeApproval  StepType = "approval"
)

// StepRetryPolicy configures per-step retry behavior (spec §4.2).
type StepRetryPolicy struct {
	MaxAttempts    int
	BackoffBaseMS  int
	FatalErrors    []string
}

// OnFailure governs how a step's failure propagates to siblings/downstream.
type OnFailure string

const (
	OnFailureCancel   OnFailure = "cancel"
	OnFailureContinue OnFailure = "continue"
)

// WorkflowStep is one node of a Workflow's DAG.
type WorkflowStep struct {
	ID              string
	Name            string
	StepType        StepType
	StepOrder       int
	DependsOnSteps  []string
	Config          map[string]any
	RetryPolicy     StepRetryPolicy
	OnFailure       OnFailure
	// TrueSteps/FalseSteps name a condition step's branch children; only
	// populated when StepType == StepTypeCondition.
	TrueSteps  []string
	FalseSteps []string
	// StopSkipPropagation overrides the default behavior that a skipped
	// step's skip status cascades to its dependents (spec §4.2:
	// "completed (or skipped with skip_propagates=false)"). The zero
	// value (false) keeps the default: skip cascades.
	StopSkipPropagation bool
}

// Workflow is an ordered set of WorkflowSteps forming a DAG (spec §3).
type Workflow struct {
	ID    string
	Workspace string
	Project   string
	Name  string
	Steps []WorkflowStep
}

// StepExecStatus is a WorkflowStepExecution's status.
type StepExecStatus string

const (
	StepExecPending   StepExecStatus = "pending"
	StepExecReady     StepExecStatus = "ready"
	StepExecRunning   StepExecStatus = "running"
	StepExecCompleted StepExecStatus = "completed"
	StepExecFailed    StepExecStatus = "failed"
	StepExecSkipped   StepExecStatus = "skipped"
	StepExecCancelled StepExecStatus = "cancelled"
	// StepExecWaitingApproval marks a suspended approval step; the engine
	// does not busy-wait while a step execution is in this state (spec
	// §4.2's "persists a waiting marker" requirement).
	StepExecWaitingApproval StepExecStatus = "waiting_approval"
)

// Terminal reports whether a step execution has reached a status the
// scheduler will never revisit.
func (s StepExecStatus) Terminal() bool {
	switch s {
	case StepExecCompleted, StepExecFailed, StepExecSkipped, StepExecCancelled:
		return true
	default:
		return false
	}
}

// WorkflowStepExecution is one step's execution record within a
// WorkflowExecution (spec §3).
type WorkflowStepExecution struct {
	ID          string
	ExecutionID string
	StepID      string
	Status      StepExecStatus
	StartedAt   int64
	CompletedAt int64
	Input       map[string]any
	Output      map[string]any
	RetryCount  int
	Error       *ErrorInfo
}

// WorkflowExecution is one run of a Workflow (spec §3).
type WorkflowExecution struct {
	ID             string
	WorkflowID     string
	ExecutionNumber int
	Status         WorkflowStatus
	StartedAt      int64
	CompletedAt    int64
	InputVariables map[string]any
	Results        map[string]any
	Error          *ErrorInfo
}

// WorkflowStore persists Workflow definitions and their executions.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, w Workflow) (Workflow, error)
	GetWorkflow(ctx context.Context, id string) (Workflow, bool, error)

	CreateExecution(ctx context.Context, e WorkflowExecution) (WorkflowExecution, error)
	GetExecution(ctx context.Context, id string) (WorkflowExecution, bool, error)
	UpdateExecution(ctx context.Context, e WorkflowExecution) error

	CreateStepExecution(ctx context.Context, se WorkflowStepExecution) (WorkflowStepExecution, error)
	GetStepExecution(ctx context.Context, id string) (WorkflowStepExecution, bool, error)
	UpdateStepExecution(ctx context.Context, se WorkflowStepExecution) error
	// ListStepExecutions returns every step execution belonging to
	// executionID, in creation order.
	ListStepExecutions(ctx context.Context, executionID string) ([]WorkflowStepExecution, error)
}

// ApprovalStatus is a StepApproval's status (spec §4.6).
type ApprovalStatus string

const (
	ApprovalStatusPending         ApprovalStatus = "pending"
	ApprovalStatusApproved        ApprovalStatus = "approved"
	ApprovalStatusRejected        ApprovalStatus = "rejected"
	ApprovalStatusRequestChanges  ApprovalStatus = "request_changes"
	ApprovalStatusCancelled       ApprovalStatus = "cancelled"
	ApprovalStatusTimeout         ApprovalStatus = "timeout"
)

// Terminal reports whether an approval has reached its one allowed
// terminal transition (spec §8 property 9).
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalStatusPending
}

// StepApproval is a human-in-the-loop gate on a WorkflowStepExecution
// (spec §3, §4.6).
type StepApproval struct {
	ID                      string
	StepExecutionID         string
	ExecutionID             string
	Status                  ApprovalStatus
	Title                   string
	Description             string
	ApprovalData            map[string]any
	Approver                string
	Feedback                string
	ResponseData            map[string]any
	RequestedAt             int64
	RespondedAt             int64
	ExpiresAt               int64
	AutoApproveAfterSeconds *int
	RequiredApprovers       []string
	RevisionCount           int
	ParentApprovalID        string
}

// ApprovalStore persists StepApproval records.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a StepApproval) (StepApproval, error)
	GetApproval(ctx context.Context, id string) (StepApproval, bool, error)
	// UpdateApproval persists a, but only if the stored record is still
	// ApprovalStatusPending; otherwise it returns a ferrors.KindConflict
	// error so callers can implement the human-vs-sweeper race (spec
	// §4.6, §8 property 9).
	UpdateApproval(ctx context.Context, a StepApproval) error
	// ListPending returns every approval still in ApprovalStatusPending,
	// for the background sweeper to scan.
	ListPending(ctx context.Context) ([]StepApproval, error)
}
