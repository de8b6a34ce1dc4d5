package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrJobID    = attribute.Key("steward.job.id")
	AttrJobType  = attribute.Key("steward.job.type")
	AttrAttempt  = attribute.Key("steward.job.attempt")
	AttrWorkerID = attribute.Key("steward.worker.id")
	AttrChain    = attribute.Key("steward.chain")
	AttrRule     = attribute.Key("steward.guard.rule")
)

// Tracer returns the globally registered steward tracer; a no-op until Init
// runs with tracing enabled.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = Tracer()
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan records err (if any) and ends span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
