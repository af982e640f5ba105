// Command fabricd wires the execution fabric's Task Executor and Workflow
// Engine onto a Temporal-backed engine.Engine and starts the worker for the
// configured task queue. Configuration is read from the environment: there
// is no orchestration-layer API server here, just the durable workers.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/mgxai/fabric/agentctl"
	"github.com/mgxai/fabric/approval"
	"github.com/mgxai/fabric/engine/temporal"
	"github.com/mgxai/fabric/events"
	"github.com/mgxai/fabric/gitcoord"
	"github.com/mgxai/fabric/llmport"
	"github.com/mgxai/fabric/llmport/anthropic"
	"github.com/mgxai/fabric/memory"
	"github.com/mgxai/fabric/sandbox"
	"github.com/mgxai/fabric/store/inmem"
	"github.com/mgxai/fabric/task"
	"github.com/mgxai/fabric/telemetry"
	"github.com/mgxai/fabric/workflow"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	taskQueue := getenv("FABRIC_TASK_QUEUE", "fabric.default")
	temporalHost := getenv("TEMPORAL_HOST_PORT", client.DefaultHostPort)
	temporalNamespace := getenv("TEMPORAL_NAMESPACE", client.DefaultNamespace)

	telem := telemetry.Set{
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewOtelMetrics(),
		Tracer:  telemetry.NewOtelTracer(),
	}

	llm, err := newLLMProvider()
	if err != nil {
		return fmt.Errorf("fabricd: configure LLM provider: %w", err)
	}

	broadcaster := events.NewBroadcaster(telem)
	agents := agentctl.New(memory.NewInMemoryStore(memory.Limits{}), broadcaster, telem)
	sandboxRunner := sandbox.NewDockerRunner(broadcaster, telem)

	var gh gitcoord.Coordinator
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		gh = gitcoord.New(getenv("FABRIC_GIT_SCRATCH_DIR", "/tmp/fabric-git"), gitcoord.NewGitHubClient(token), telem)
	}

	taskStore := inmem.NewTaskStore()
	workflowStore := inmem.NewWorkflowStore()
	approvalStore := inmem.NewApprovalStore()
	approvalGate := approval.New(approvalStore, broadcaster, telem)

	eng, err := temporal.New(temporal.Options{
		ClientOptions: &client.Options{HostPort: temporalHost, Namespace: temporalNamespace},
		WorkerOptions: temporal.WorkerOptions{TaskQueue: taskQueue},
		Telemetry:     telem,
	})
	if err != nil {
		return fmt.Errorf("fabricd: construct temporal engine: %w", err)
	}
	defer eng.Close()

	if _, err := task.New(ctx, eng, task.Deps{
		Store:       taskStore,
		LLM:         llm,
		Agents:      agents,
		Sandbox:     sandboxRunner,
		Git:         gh,
		Broadcaster: broadcaster,
		Telem:       telem,
	}, taskQueue); err != nil {
		return fmt.Errorf("fabricd: register task executor: %w", err)
	}

	if _, err := workflow.New(ctx, eng, workflow.Deps{
		Store:       workflowStore,
		Agents:      agents,
		Approvals:   approvalGate,
		LLM:         llm,
		Broadcaster: broadcaster,
		Telem:       telem,
	}, taskQueue); err != nil {
		return fmt.Errorf("fabricd: register workflow engine: %w", err)
	}

	sweepInterval, err := time.ParseDuration(getenv("FABRIC_APPROVAL_SWEEP_INTERVAL", "5s"))
	if err != nil {
		return fmt.Errorf("fabricd: parse FABRIC_APPROVAL_SWEEP_INTERVAL: %w", err)
	}
	go func() {
		if err := approvalGate.Run(ctx, sweepInterval); err != nil && ctx.Err() == nil {
			telem.Logger.Warn(ctx, "fabricd: approval sweeper stopped", "err", err)
		}
	}()

	telem.Logger.Info(ctx, "fabricd: starting worker", "task_queue", taskQueue, "temporal", temporalHost)
	if err := eng.Worker().Start(); err != nil {
		return fmt.Errorf("fabricd: start worker: %w", err)
	}

	<-ctx.Done()
	telem.Logger.Info(context.Background(), "fabricd: shutting down")
	eng.Worker().Stop()
	return nil
}

func newLLMProvider() (llmport.Provider, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	return anthropic.New(apiKey, getenv("FABRIC_DEFAULT_MODEL", "claude-sonnet-4-5"))
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
