// Package events implements the execution fabric's Event Broadcaster: a
// topic-filtered pub-sub fan-out feeding live subscribers and a mandatory
// append-only persistence subscriber. The core components (task, workflow,
// agentctl, sandbox, approval) emit events here at state transitions; git
// events are emitted by task around its gitcoord calls.
package events

import "time"

// Type identifies the kind of event published on the bus. Components emit
// one of these constants at each state transition named in the spec.
type Type string

const (
	TypeRunStarted           Type = "run_started"
	TypeRunCompleted         Type = "run_completed"
	TypeRunFailed            Type = "run_failed"
	TypeRunCancelled         Type = "run_cancelled"
	TypeRunTimeout           Type = "run_timeout"
	TypePhaseChanged         Type = "phase_changed"
	TypePlanReady            Type = "plan_ready"
	TypeGitBranchCreated     Type = "git_branch_created"
	TypeGitOperationFailed   Type = "git_operation_failed"
	TypeGitCommitted         Type = "git_committed"
	TypeGitPushed            Type = "git_pushed"
	TypeGitPROpened          Type = "git_pr_opened"
	TypeWorkflowStarted      Type = "workflow_started"
	TypeWorkflowCompleted    Type = "workflow_completed"
	TypeWorkflowFailed       Type = "workflow_failed"
	TypeWorkflowCancelled    Type = "workflow_cancelled"
	TypeStepStarted          Type = "step_started"
	TypeStepCompleted        Type = "step_completed"
	TypeStepFailed           Type = "step_failed"
	TypeStepSkipped          Type = "step_skipped"
	TypeApprovalRequested    Type = "approval_requested"
	TypeApprovalResponded    Type = "approval_responded"
	TypeApprovalTimedOut     Type = "approval_timeout"
	TypeAgentAssigned        Type = "agent_assigned"
	TypeAgentHandoff         Type = "agent_handoff"
	TypeContextVersioned     Type = "context_versioned"
	TypeSandboxStarted       Type = "sandbox_started"
	TypeSandboxOutputChunk   Type = "sandbox_output_chunk"
	TypeSandboxCompleted     Type = "sandbox_completed"
	TypeSubscriberLagging    Type = "subscriber_lagging"
)

// Event is the language-independent envelope described in spec §6: every
// published event carries enough scoping to be filtered by topic and
// replayed in order for a given source entity.
type Event struct {
	EventID       string
	EventType     Type
	TimestampUTC  time.Time
	Version       int
	Workspace     string
	Task          string
	Run           string
	Workflow      string
	Execution     string
	Agent         string
	CorrelationID string
	Data          map[string]any
}

// Topics the event belongs to, most specific first. A subscriber matches an
// event if any of its registered glob patterns matches any of these topics.
func (e Event) Topics() []string {
	topics := []string{"all"}
	if e.Workspace == "" {
		return topics
	}
	ws := "workspace:" + e.Workspace
	topics = append(topics, ws)
	if e.Task != "" {
		topics = append(topics, ws+".task:"+e.Task)
	}
	if e.Workflow != "" {
		topics = append(topics, ws+".workflow:"+e.Workflow)
	}
	if e.Agent != "" {
		topics = append(topics, ws+".agent:"+e.Agent)
	}
	return topics
}

// sourceEntity returns the entity id that this event's per-source ordering
// guarantee (spec §5) applies to, preferring the most specific scope.
func (e Event) sourceEntity() string {
	switch {
	case e.Run != "":
		return "run:" + e.Run
	case e.Execution != "":
		return "execution:" + e.Execution
	case e.Agent != "":
		return "agent:" + e.Agent
	case e.Task != "":
		return "task:" + e.Task
	case e.Workflow != "":
		return "workflow:" + e.Workflow
	default:
		return "workspace:" + e.Workspace
	}
}
