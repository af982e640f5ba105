// Package telemetry defines the logging, metrics, and tracing ports used
// throughout the execution fabric, plus no-op and production-backed
// implementations. Every component accepts these interfaces rather than a
// concrete backend so tests can substitute no-ops and production wiring can
// substitute OpenTelemetry/Clue without touching business logic.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the fabric.
// Implementations typically delegate to Clue but the interface stays small
// so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter/timer/gauge helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so fabric code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Set bundles the three telemetry ports so components can accept a single
// value instead of three constructor parameters.
type Set struct {
	Logger  Logger
	Metrics Metrics
	Tracer  Tracer
}

// NoopSet returns a Set backed entirely by no-op implementations, suitable
// for tests and for filling gaps in a partially-configured Set.
func NoopSet() Set {
	return Set{Logger: NewNoopLogger(), Metrics: NewNoopMetrics(), Tracer: NewNoopTracer()}
}

// Fill returns a copy of s with any nil field replaced by its no-op
// counterpart, mirroring the teacher runtime's "noop substituted for nil"
// constructor policy (runtime.Options in the teacher's runtime.go).
func (s Set) Fill() Set {
	if s.Logger == nil {
		s.Logger = NewNoopLogger()
	}
	if s.Metrics == nil {
		s.Metrics = NewNoopMetrics()
	}
	if s.Tracer == nil {
		s.Tracer = NewNoopTracer()
	}
	return s
}
