package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mgxai/fabric/agentctl"
	"github.com/mgxai/fabric/approval"
	"github.com/mgxai/fabric/ferrors"
	"github.com/mgxai/fabric/llmport"
	"github.com/mgxai/fabric/store"
)

// Activity names registered with the engine (spec §4.2 step execution).
const (
	ActivityRunStep        = "workflow.run_step"
	ActivityEvaluateCond   = "workflow.evaluate_condition"
	ActivityAwaitApproval  = "workflow.await_approval"
	approvalPollInterval   = 500 * time.Millisecond
)

// stepInput is ActivityRunStep/ActivityEvaluateCond/ActivityAwaitApproval's
// shared input: the step being executed plus the execution context it reads
// upstream step output from (spec §4.5: "threaded context").
type stepInput struct {
	ExecutionID string
	Workspace   string
	Project     string
	Step        store.WorkflowStep
	Context     map[string]any // steps.{name}.output accumulated so far
	RetryCount  int
}

// stepOutput is a task/agent step's result, merged into the execution
// context under steps.{step_id}.output.
type stepOutput struct {
	Output map[string]any
}

// runStepActivity handles task/agent steps: assign an agent instance,
// thread it the accumulated context, record its output (spec §4.2 "task /
// agent step").
func (d *Deps) runStepActivity(ctx context.Context, rawInput any) (any, error) {
	in, ok := rawInput.(stepInput)
	if !ok {
		return nil, ferrors.New(ferrors.KindInvalidInput, ActivityRunStep, "unexpected activity input type")
	}
	role, _ := in.Step.Config["role"].(string)
	if role == "" {
		role = string(agentctl.RoleEngineer)
	}
	var caps []string
	if raw, ok := in.Step.Config["capabilities"].([]string); ok {
		caps = raw
	}
	instance, err := d.Agents.Assign(ctx, agentctl.AssignRequest{
		Workspace:            in.Workspace,
		Project:              in.Project,
		Role:                 agentctl.Role(role),
		RequiredCapabilities: caps,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = d.Agents.Release(ctx, instance.ID) }()

	prompt, _ := in.Step.Config["prompt"].(string)
	resp, err := d.LLM.Complete(ctx, llmport.Request{
		Workspace: in.Workspace,
		Prompt:    renderStepPrompt(prompt, in.Context),
	})
	if err != nil {
		return nil, err
	}
	return stepOutput{Output: map[string]any{"text": resp.Text, "agent_instance_id": instance.ID}}, nil
}

// renderStepPrompt appends a plain rendering of the upstream step context
// after the step's configured prompt template; step prompts reference
// earlier output informally (e.g. "see steps.analyze.output above") rather
// than through a templating language, matching the spec's "threaded
// context" being a plain map passed alongside the prompt.
func renderStepPrompt(prompt string, stepsCtx map[string]any) string {
	if len(stepsCtx) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\ncontext:\n")
	for k, v := range stepsCtx {
		fmt.Fprintf(&b, "%s: %v\n", k, v)
	}
	return b.String()
}

// conditionOutput is ActivityEvaluateCond's result.
type conditionOutput struct {
	Result bool
}

// evaluateConditionActivity evaluates a condition step's boolean
// expression. Expressions are a minimal "{step_id}.output.{field} {op}
// {literal}" comparison grammar (paths start at a step ID, with no "steps."
// prefix), plus the exists and bare-truthy forms that evalCondition
// documents; the spec leaves the expression language
// unspecified, so this follows the narrowest form that can reference prior
// step output without embedding a general-purpose expression engine.
func (d *Deps) evaluateConditionActivity(ctx context.Context, rawInput any) (any, error) {
	in, ok := rawInput.(stepInput)
	if !ok {
		return nil, ferrors.New(ferrors.KindInvalidInput, ActivityEvaluateCond, "unexpected activity input type")
	}
	expr, _ := in.Step.Config["expression"].(string)
	result, err := evalCondition(expr, in.Context)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindInvalidInput, ActivityEvaluateCond, err)
	}
	return conditionOutput{Result: result}, nil
}

// evalCondition supports "<path> == <literal>", "<path> != <literal>",
// "<path> exists", and a bare "<path>" (truthy check). path is dot-walked
// through ctx, e.g. "analyze.output.complexity".
func evalCondition(expr string, ctx map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	fields := strings.Fields(expr)
	switch len(fields) {
	case 1:
		v, ok := lookupPath(ctx, fields[0])
		return ok && truthy(v), nil
	case 2:
		if fields[1] != "exists" {
			return false, fmt.Errorf("unrecognized condition expression %q", expr)
		}
		_, ok := lookupPath(ctx, fields[0])
		return ok, nil
	case 3:
		v, _ := lookupPath(ctx, fields[0])
		lit := strings.Trim(fields[2], `"'`)
		switch fields[1] {
		case "==":
			return fmt.Sprintf("%v", v) == lit, nil
		case "!=":
			return fmt.Sprintf("%v", v) != lit, nil
		default:
			return false, fmt.Errorf("unrecognized condition operator %q", fields[1])
		}
	default:
		return false, fmt.Errorf("unrecognized condition expression %q", expr)
	}
}

func lookupPath(ctx map[string]any, path string) (any, bool) {
	cur := any(ctx)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case nil:
		return false
	default:
		return true
	}
}

// approvalOutput is ActivityAwaitApproval's result: the approval's final
// terminal state.
type approvalOutput struct {
	Approval store.StepApproval
}

// awaitApprovalActivity creates the StepApproval and polls it to a terminal
// state (spec §4.6). Polling here, inside an activity, is what lets the
// workflow scheduler itself stay free of busy-waiting: the scheduler only
// ever sees this activity's Future as pending until the store (a human
// response or the background sweeper) resolves the approval out from under
// it.
func (d *Deps) awaitApprovalActivity(ctx context.Context, rawInput any) (any, error) {
	in, ok := rawInput.(stepInput)
	if !ok {
		return nil, ferrors.New(ferrors.KindInvalidInput, ActivityAwaitApproval, "unexpected activity input type")
	}
	title, _ := in.Step.Config["title"].(string)
	description, _ := in.Step.Config["description"].(string)
	expiresAfter, _ := in.Step.Config["expires_after_seconds"].(int)
	if expiresAfter <= 0 {
		expiresAfter = 24 * 60 * 60
	}
	var autoApprove *int
	if raw, ok := in.Step.Config["auto_approve_after_seconds"].(int); ok {
		autoApprove = &raw
	}

	a, err := d.Approvals.Create(ctx, approval.CreateRequest{
		StepExecutionID:         stepExecutionKey(in.ExecutionID, in.Step.ID),
		ExecutionID:             in.ExecutionID,
		Title:                   title,
		Description:             description,
		ApprovalData:            in.Context,
		ExpiresAfterSeconds:     expiresAfter,
		AutoApproveAfterSeconds: autoApprove,
	})
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(approvalPollInterval)
	defer ticker.Stop()
	for {
		cur, err := d.Approvals.Get(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status.Terminal() {
			return approvalOutput{Approval: cur}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func stepExecutionKey(executionID, stepID string) string {
	return executionID + ":" + stepID
}

func (d *Deps) activityDefinitions(queue string) []stepActivityDef {
	return []stepActivityDef{
		{Name: ActivityRunStep, Handler: d.runStepActivity},
		{Name: ActivityEvaluateCond, Handler: d.evaluateConditionActivity},
		{Name: ActivityAwaitApproval, Handler: d.awaitApprovalActivity},
	}
}

// stepActivityDef is a minimal (name, handler) pair; executor.go binds
// queue/options when registering these with engine.Engine.
type stepActivityDef struct {
	Name    string
	Handler func(ctx context.Context, input any) (any, error)
}
