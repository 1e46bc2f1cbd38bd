// Package telemetry puts Clue logging and OpenTelemetry tracing/metrics
// behind small interfaces, so the rest of the module depends on neither
// directly. The Streaming Orchestrator logs through Logger; the Agent
// Runtime and the Session Manager do not use this package.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the module.
// Implementations typically delegate to Clue but the interface is
// intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code stays agnostic of the
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

// RunTelemetry captures observability metadata for one agent run (a
// POST /threads/{id}/messages invocation).
type RunTelemetry struct {
	// DurationMs is the wall-clock run time in milliseconds.
	DurationMs int64
	// TokensUsed tracks the total tokens consumed by model calls during the run.
	TokensUsed int
	// Model identifies which model served the run (e.g. "claude-opus-4").
	Model string
	// Extra holds additional metadata not captured by the common fields
	// (tool names invoked, sandbox session id, artifact counts, ...).
	Extra map[string]any
}
