// Package telemetry defines the observability interfaces consumed by the flow
// runtime (structured logging, tracing, metrics) together with default
// implementations backed by goa.design/clue/log and OpenTelemetry. Components
// accept these interfaces so deployments can swap providers without touching
// runtime code.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log entries. Implementations must be safe for
	// concurrent use.
	Logger interface {
		// Debug logs at debug level with alternating key/value pairs.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info logs at info level with alternating key/value pairs.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn logs at warning level with alternating key/value pairs.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error logs at error level with alternating key/value pairs.
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Tracer creates spans around runtime operations.
	Tracer interface {
		// StartSpan starts a span named name and returns the derived context
		// and the span. Callers must End the span.
		StartSpan(ctx context.Context, name string, attrs ...Attr) (context.Context, Span)
	}

	// Span is an active trace span.
	Span interface {
		// End completes the span.
		End()
		// RecordError marks the span as failed with err.
		RecordError(err error)
		// SetAttr attaches an attribute to the span.
		SetAttr(attr Attr)
	}

	// Metrics records runtime measurements.
	Metrics interface {
		// Count increments the named counter by delta.
		Count(ctx context.Context, name string, delta int64, attrs ...Attr)
		// Duration records an elapsed time for the named histogram.
		Duration(ctx context.Context, name string, d time.Duration, attrs ...Attr)
	}

	// Attr is a string key/value attribute attached to spans and metrics.
	Attr struct {
		Key   string
		Value string
	}
)

// NoopLogger discards all log entries. Useful as a default in tests.
type NoopLogger struct{}

// Debug implements Logger.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info implements Logger.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn implements Logger.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error implements Logger.
func (NoopLogger) Error(context.Context, string, ...any) {}
