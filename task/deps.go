package task

import (
	"context"
	"time"

	"github.com/mgxai/fabric/agentctl"
	"github.com/mgxai/fabric/events"
	"github.com/mgxai/fabric/gitcoord"
	"github.com/mgxai/fabric/llmport"
	"github.com/mgxai/fabric/sandbox"
	"github.com/mgxai/fabric/store"
	"github.com/mgxai/fabric/telemetry"
)

// defaultCancelGracePeriod is the bound spec §5 puts on how long a
// cancelled run may take to reach a terminal state.
const defaultCancelGracePeriod = 30 * time.Second

// Deps bundles every component the Task Executor's activities call through.
// Git and Sandbox may be nil (no repository configured / no test
// execution); the zero-value behavior for each is spelled out on the
// activity that consults it.
type Deps struct {
	Store       store.TaskStore
	LLM         llmport.Provider
	Agents      agentctl.Controller
	Sandbox     sandbox.Runner
	Git         gitcoord.Coordinator
	Broadcaster events.Broadcaster
	Telem       telemetry.Set

	// CancelGracePeriod bounds how long CancelRun's background watchdog
	// waits for the engine workflow to actually unwind after Cancel before
	// logging that a run
	// outlived its cancellation deadline (spec §5: "must reach a terminal
	// state within bounded time, default 30s"). Zero means
	// defaultCancelGracePeriod.
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

func (d *Deps) publish(ctx context.Context, t events.Type, runID, workspace, taskID string, data map[string]any) {
	if d.Broadcaster == nil {
		return
	}
	payload := map[string]any{"run_id": runID}
	for k, v := range data {
		payload[k] = v
	}
	if err := d.Broadcaster.Publish(ctx, events.Event{
		EventType: t,
		Workspace: workspace,
		Task:      taskID,
		Run:       runID,
		Data:      payload,
	}); err != nil {
		d.Telem.Logger.Warn(ctx, "task: publish event failed", "run_id", runID, "event", string(t), "err", err)
	}
}
