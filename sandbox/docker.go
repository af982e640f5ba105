package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/testcontainers/testcontainers-go"

	"github.com/mgxai/fabric/events"
	"github.com/mgxai/fabric/ferrors"
	"github.com/mgxai/fabric/ids"
	"github.com/mgxai/fabric/telemetry"
)

// DockerRunner executes sandbox requests in short-lived, hardened Docker
// containers via testcontainers-go: no network egress, read-only root
// filesystem, dropped capabilities, non-root UID, and enforced CPU/memory
// limits (spec §4.3's isolation requirements).
type DockerRunner struct {
	broadcaster events.Broadcaster
	telem       telemetry.Set
}

// NewDockerRunner constructs a Runner that streams live output to
// broadcaster, if non-nil, in addition to returning the final Result.
func NewDockerRunner(broadcaster events.Broadcaster, telem telemetry.Set) *DockerRunner {
	return &DockerRunner{broadcaster: broadcaster, telem: telem.Fill()}
}

func (r *DockerRunner) Execute(ctx context.Context, req Request) (Result, error) {
	req = req.fill()
	exec := executorFor(req.Language)
	command := strings.TrimSpace(req.Command)
	if command == "" {
		command = exec.detectCommand(req.Files)
	}

	id := ids.NewPrefixed("sbx")
	result := Result{
		ID:             id,
		Status:         StatusRunning,
		Command:        command,
		StartedAt:      time.Now().UTC(),
		TimeoutSeconds: req.TimeoutSeconds,
		MemoryLimitMB:  req.MemoryLimitMB,
	}
	r.publish(ctx, events.TypeSandboxStarted, req, id, nil)

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
	defer cancel()

	files := make([]testcontainers.ContainerFile, 0, len(req.Files))
	for path, content := range req.Files {
		files = append(files, testcontainers.ContainerFile{
			Reader:            bytes.NewReader(content),
			ContainerFilePath: exec.workdir() + "/" + path,
			FileMode:          0o644,
		})
	}

	memBytes := int64(req.MemoryLimitMB) * 1024 * 1024
	creq := testcontainers.ContainerRequest{
		Image: exec.image(),
		Cmd:   []string{"sh", "-c", "cd " + exec.workdir() + " && " + command},
		Files: files,
		User:  "65534:65534",
		HostConfigModifier: func(hc *dockercontainer.HostConfig) {
			hc.NetworkMode = "none"
			hc.ReadonlyRootfs = true
			hc.Tmpfs = map[string]string{
				exec.workdir(): "rw,size=128m,noexec",
				"/tmp":         "rw,size=16m,noexec",
			}
			hc.CapDrop = []string{"ALL"}
			hc.SecurityOpt = []string{"no-new-privileges:true"}
			hc.Resources = dockercontainer.Resources{
				Memory:   memBytes,
				NanoCPUs: 1_000_000_000,
			}
		},
	}

	started, err := testcontainers.GenericContainer(runCtx, testcontainers.GenericContainerRequest{
		ContainerRequest: creq,
		Started:          true,
	})
	if err != nil {
		result.Status = StatusFailed
		result.ErrorType = ErrorTypeRunnerError
		result.ErrorMessage = err.Error()
		result.CompletedAt = time.Now().UTC()
		result.Duration = result.CompletedAt.Sub(result.StartedAt)
		r.publish(ctx, events.TypeSandboxCompleted, req, id, map[string]any{"status": string(result.Status), "error_type": string(result.ErrorType)})
		return result, ferrors.Wrap(ferrors.KindSandboxFailed, "sandbox.Execute", err)
	}
	defer func() {
		_ = started.Terminate(context.Background())
	}()

	result.ContainerID = started.GetContainerID()

	var mu sync.Mutex
	var stdout, stderr bytes.Buffer
	consumer := &streamingConsumer{onChunk: func(stream string, data []byte) {
		mu.Lock()
		if stream == "stdout" {
			stdout.Write(data)
		} else {
			stderr.Write(data)
		}
		mu.Unlock()
		r.publishChunk(ctx, req, id, stream, string(data))
	}}
	started.FollowOutput(consumer)
	if logErr := started.StartLogProducer(runCtx); logErr != nil {
		r.telem.Logger.Warn(ctx, "sandbox: start log producer failed", "sandbox_id", id, "err", logErr)
	} else {
		defer func() { _ = started.StopLogProducer() }()
	}

	exitCode, waitErr := waitForExit(runCtx, started)

	result.CompletedAt = time.Now().UTC()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	mu.Lock()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	mu.Unlock()

	switch {
	case waitErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Status = StatusTimeout
		result.ErrorType = ErrorTypeTimeout
		result.ErrorMessage = "execution exceeded timeout_seconds"
	case waitErr != nil:
		result.Status = StatusFailed
		result.ErrorType = ErrorTypeRunnerError
		result.ErrorMessage = waitErr.Error()
	default:
		result.ExitCode = exitCode
		state, stateErr := started.State(context.Background())
		switch {
		case stateErr == nil && state.OOMKilled:
			result.Status = StatusFailed
			result.ErrorType = ErrorTypeOOM
			result.ErrorMessage = "container killed: out of memory"
		case exitCode == 0:
			result.Status = StatusCompleted
		default:
			result.Status = StatusFailed
			result.ErrorType = ErrorTypeNonZeroExit
			result.ErrorMessage = fmt.Sprintf("exit code %d", exitCode)
		}
	}

	r.publish(ctx, events.TypeSandboxCompleted, req, id, map[string]any{
		"status":      string(result.Status),
		"exit_code":   result.ExitCode,
		"duration_ms": result.Duration.Milliseconds(),
		"error_type":  string(result.ErrorType),
	})

	if result.Status == StatusFailed || result.Status == StatusTimeout {
		return result, ferrors.New(ferrors.KindSandboxFailed, "sandbox.Execute", result.ErrorMessage).WithDetails(map[string]any{"sandbox_id": id})
	}
	return result, nil
}

// waitForExit polls the container's state until it stops running or ctx is
// done. testcontainers-go has no blocking "wait for exit" primitive for
// arbitrary batch commands, so short-interval polling is the idiomatic
// substitute.
func waitForExit(ctx context.Context, c testcontainers.Container) (int, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
			state, err := c.State(ctx)
			if err != nil {
				return -1, err
			}
			if !state.Running {
				return state.ExitCode, nil
			}
		}
	}
}

// streamingConsumer adapts testcontainers' log-follower callback to the
// sandbox's stdout/stderr chunk notion.
type streamingConsumer struct {
	onChunk func(stream string, data []byte)
}

func (c *streamingConsumer) Accept(log testcontainers.Log) {
	stream := "stdout"
	if log.LogType == testcontainers.StderrLog {
		stream = "stderr"
	}
	c.onChunk(stream, log.Content)
}

func (r *DockerRunner) publish(ctx context.Context, t events.Type, req Request, sandboxID string, data map[string]any) {
	if r.broadcaster == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["sandbox_id"] = sandboxID
	data["language"] = string(req.Language)
	if err := r.broadcaster.Publish(ctx, events.Event{
		EventType: t,
		Workspace: req.Workspace,
		Run:       req.Run,
		Data:      data,
	}); err != nil {
		r.telem.Logger.Warn(ctx, "sandbox: publish event failed", "sandbox_id", sandboxID, "event_type", string(t), "err", err)
	}
}

func (r *DockerRunner) publishChunk(ctx context.Context, req Request, sandboxID, stream, data string) {
	if r.broadcaster == nil {
		return
	}
	_ = r.broadcaster.Publish(ctx, events.Event{
		EventType: events.TypeSandboxOutputChunk,
		Workspace: req.Workspace,
		Run:       req.Run,
		Data: map[string]any{
			"sandbox_id": sandboxID,
			"stream":     stream,
			"data":       data,
		},
	})
}
