package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for prioritization spans.
var (
	AttrOutcomeID  = attribute.Key("stratrank.outcome.id")
	AttrRunID      = attribute.Key("stratrank.run.id")
	AttrTaskID     = attribute.Key("stratrank.task.id")
	AttrTaskCount  = attribute.Key("stratrank.task.count")
	AttrAttempt    = attribute.Key("stratrank.retry.attempt")
	AttrStrategy   = attribute.Key("stratrank.strategy")
	AttrEstimator  = attribute.Key("stratrank.estimator")
	AttrErrorClass = attribute.Key("stratrank.error.class")

	AttrConfigFingerprint = attribute.Key("stratrank.config.fingerprint")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (estimator API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(ScopeName)
}
