package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

type (
	// ClueLogger delegates to goa.design/clue/log. Formatting and debug
	// settings come from the context (set via log.Context and
	// log.WithFormat/log.WithDebug).
	ClueLogger struct{}

	// ClueTracer delegates to the global OTEL TracerProvider.
	ClueTracer struct {
		tracer trace.Tracer
	}

	// ClueMetrics delegates to the global OTEL MeterProvider.
	ClueMetrics struct {
		meter metric.Meter
	}

	clueSpan struct {
		span trace.Span
	}
)

const instrumentationName = "goa.design/flow/runtime"

// NewClueLogger constructs a Logger backed by goa.design/clue/log.
func NewClueLogger() Logger {
	return ClueLogger{}
}

// NewClueTracer constructs a Tracer backed by the global OTEL TracerProvider.
// Configure the provider via clue.ConfigureOpenTelemetry or
// otel.SetTracerProvider before starting the runtime.
func NewClueTracer() Tracer {
	return &ClueTracer{tracer: otel.Tracer(instrumentationName)}
}

// NewClueMetrics constructs a Metrics recorder backed by the global OTEL
// MeterProvider.
func NewClueMetrics() Metrics {
	return &ClueMetrics{meter: otel.Meter(instrumentationName)}
}

// Debug implements Logger.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

// Info implements Logger.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

// Warn implements Logger.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

// Error implements Logger.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fielders(msg, keyvals)...)
}

// StartSpan implements Tracer.
func (t *ClueTracer) StartSpan(ctx context.Context, name string, attrs ...Attr) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, trace.WithAttributes(otelAttrs(attrs)...))
	return newCtx, &clueSpan{span: span}
}

// End implements Span.
func (s *clueSpan) End() {
	s.span.End()
}

// RecordError implements Span.
func (s *clueSpan) RecordError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// SetAttr implements Span.
func (s *clueSpan) SetAttr(attr Attr) {
	s.span.SetAttributes(attribute.String(attr.Key, attr.Value))
}

// Count implements Metrics.
func (m *ClueMetrics) Count(ctx context.Context, name string, delta int64, attrs ...Attr) {
	counter, err := m.meter.Int64Counter(name)
	if err != nil {
		return
	}
	counter.Add(ctx, delta, metric.WithAttributes(otelAttrs(attrs)...))
}

// Duration implements Metrics.
func (m *ClueMetrics) Duration(ctx context.Context, name string, d time.Duration, attrs ...Attr) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(ctx, d.Seconds(), metric.WithAttributes(otelAttrs(attrs)...))
}

// fielders converts a message and alternating key/value pairs into clue
// log fielders. Non-string keys are skipped.
func fielders(msg string, keyvals []any) []log.Fielder {
	fs := []log.Fielder{log.KV{K: "msg", V: msg}}
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		fs = append(fs, log.KV{K: k, V: v})
	}
	return fs
}

func otelAttrs(attrs []Attr) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		kvs = append(kvs, attribute.String(a.Key, a.Value))
	}
	return kvs
}
