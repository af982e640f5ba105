// Package engine defines the workflow engine abstractions the Task
// Executor and Workflow Engine are built on. It provides a pluggable
// interface so the fabric can target Temporal (engine/temporal) or an
// in-memory engine (engine/inmem) for tests without touching the phase
// state machine or DAG scheduler.
package engine

import (
	"context"
	"time"

	"github.com/mgxai/fabric/telemetry"
)

type (
	// Engine abstracts workflow registration and execution so adapters
	// (Temporal, in-memory) can be swapped freely.
	Engine interface {
		// RegisterWorkflow registers a workflow definition. Called during
		// service init, before starting workers. Returns an error if the name
		// is already registered.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity definition. Activities are
		// short-lived tasks invoked from workflows and may perform I/O.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow initiates a new workflow execution and returns a
		// handle for interacting with it. req.ID must be unique.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default task queue.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is the workflow entry point. It must be deterministic:
	// given the same inputs and activity results, it must produce the same
	// execution sequence. Direct I/O, randomness, or wall-clock reads inside
	// a workflow violate determinism under the Temporal adapter.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to workflow handlers within
	// the deterministic execution environment. Implementations wrap
	// engine-specific contexts (Temporal workflow.Context, in-memory
	// contexts) behind a uniform API.
	//
	// WorkflowContext is bound to a single workflow execution and must not
	// be shared across goroutines; activity and signal operations are
	// serialized by the engine.
	WorkflowContext interface {
		// Context returns the Go context for the workflow.
		Context() context.Context
		// WorkflowID returns this execution's unique identifier.
		WorkflowID() string
		// RunID returns the engine-assigned run identifier.
		RunID() string
		// ExecuteActivity schedules an activity and blocks for its result.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error
		// ExecuteActivityAsync schedules an activity without blocking.
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)
		// SignalChannel returns a channel for the named signal.
		SignalChannel(name string) SignalChannel
		// Logger returns a logger scoped to this execution.
		Logger() telemetry.Logger
		// Metrics returns a metrics recorder scoped to this execution.
		Metrics() telemetry.Metrics
		// Tracer returns a tracer scoped to this execution.
		Tracer() telemetry.Tracer
		// Now returns the current time in a replay-safe manner.
		Now() time.Time
	}

	// Future represents a pending activity result. Get may be called
	// multiple times; it returns the same result/error each time.
	Future interface {
		Get(ctx context.Context, result any) error
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler with optional
	// defaults.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc handles a single activity invocation. Unlike workflows,
	// activities may perform side effects (I/O, network calls, DB access).
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry/timeout behavior for an activity.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		ID               string
		Workflow         string
		TaskQueue        string
		Input            any
		Memo             map[string]any
		SearchAttributes map[string]any
		RetryPolicy      RetryPolicy
	}

	// ActivityRequest contains the info needed to schedule an activity from
	// a workflow.
	ActivityRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowHandle lets callers interact with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes, populating result.
		Wait(ctx context.Context, result any) error
		// Signal sends an asynchronous message to the workflow.
		Signal(ctx context.Context, name string, payload any) error
		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows and
	// activities. Zero-valued fields mean "use the engine's default".
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// SignalChannel exposes workflow signal delivery in an engine-agnostic
	// way.
	SignalChannel interface {
		// Receive blocks until a value is delivered and decodes it into dest.
		Receive(ctx context.Context, dest any) error
		// ReceiveAsync attempts a non-blocking receive.
		ReceiveAsync(dest any) bool
	}
)
