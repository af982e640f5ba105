package workflow

import (
	"context"
	"time"

	"github.com/mgxai/fabric/agentctl"
	"github.com/mgxai/fabric/approval"
	"github.com/mgxai/fabric/events"
	"github.com/mgxai/fabric/llmport"
	"github.com/mgxai/fabric/store"
	"github.com/mgxai/fabric/telemetry"
)

// defaultCancelGracePeriod is the bound spec §5 puts on how long a
// cancelled execution may take to reach a terminal state.
const defaultCancelGracePeriod = 30 * time.Second

// Deps bundles the components a workflow execution's step activities call
// through, the workflow-engine analog of task.Deps.
type Deps struct {
	Store       store.WorkflowStore
	Agents      agentctl.Controller
	Approvals   approval.Gate
	LLM         llmport.Provider
	Broadcaster events.Broadcaster
	Telem       telemetry.Set

	// CancelGracePeriod bounds how long CancelExecution's background
	// watchdog waits for the engine workflow to actually unwind after
	// cancellation before logging that it overran its deadline (spec §5:
	// "must reach a terminal state within bounded time, default 30s").
	// Zero means defaultCancelGracePeriod.
	CancelGracePeriod time.Duration
}

func (d *Deps) fill() *Deps {
	cp := *d
	cp.Telem = cp.Telem.Fill()
	if cp.CancelGracePeriod <= 0 {
		cp.CancelGracePeriod = defaultCancelGracePeriod
	}
	return &cp
}

func (d *Deps) publish(ctx context.Context, t events.Type, executionID, workspace, workflowID string, data map[string]any) {
	if d.Broadcaster == nil {
		return
	}
	payload := map[string]any{"execution_id": executionID}
	for k, v := range data {
		payload[k] = v
	}
	if err := d.Broadcaster.Publish(ctx, events.Event{
		EventType: t,
		Workspace: workspace,
		Workflow:  workflowID,
		Execution: executionID,
		Data:      payload,
	}); err != nil {
		d.Telem.Logger.Warn(ctx, "workflow: publish event failed", "execution_id", executionID, "event", string(t), "err", err)
	}
}
