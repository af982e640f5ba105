package sandbox_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mgxai/fabric/events"
	"github.com/mgxai/fabric/sandbox"
	"github.com/mgxai/fabric/telemetry"
)

// dockerAvailable mirrors the teacher's testcontainers integration-test
// idiom: attempt a trivial container and skip the suite if Docker is not
// reachable rather than failing the whole package.
func dockerAvailable(t *testing.T) bool {
	t.Helper()
	available := true
	func() {
		defer func() {
			if r := recover(); r != nil {
				available = false
			}
		}()
		runner := sandbox.NewDockerRunner(nil, telemetry.NoopSet())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := runner.Execute(ctx, sandbox.Request{
			Language:       sandbox.LanguageShell,
			Command:        "true",
			TimeoutSeconds: 5,
		})
		if err != nil {
			available = false
			fmt.Printf("docker not available, sandbox integration tests will be skipped: %v\n", err)
		}
	}()
	return available
}

func TestDockerRunnerExecutesShellCommandAndStreamsOutput(t *testing.T) {
	if !dockerAvailable(t) {
		t.Skip("docker not available")
	}

	b := events.NewBroadcaster(telemetry.NoopSet())
	sub, err := b.Subscribe("watch", []string{"all"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer b.Unsubscribe("watch")

	runner := sandbox.NewDockerRunner(b, telemetry.NoopSet())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := runner.Execute(ctx, sandbox.Request{
		Workspace:      "ws1",
		Language:       sandbox.LanguageShell,
		Command:        "echo hello",
		TimeoutSeconds: 10,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != sandbox.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s: %s)", res.Status, res.ErrorType, res.ErrorMessage)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}

	sawStarted := false
	deadline := time.After(2 * time.Second)
	for !sawStarted {
		select {
		case e := <-sub.Events():
			if e.EventType == events.TypeSandboxStarted {
				sawStarted = true
			}
		case <-deadline:
			t.Fatal("did not observe sandbox_started event")
		}
	}
}

func TestDockerRunnerEnforcesWallClockTimeout(t *testing.T) {
	if !dockerAvailable(t) {
		t.Skip("docker not available")
	}

	runner := sandbox.NewDockerRunner(nil, telemetry.NoopSet())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res, err := runner.Execute(ctx, sandbox.Request{
		Language:       sandbox.LanguageShell,
		Command:        "sleep 30",
		TimeoutSeconds: 1,
	})
	if err == nil {
		t.Fatal("expected an error for a timed-out execution")
	}
	if res.Status != sandbox.StatusTimeout {
		t.Fatalf("expected timeout status, got %s", res.Status)
	}
}
