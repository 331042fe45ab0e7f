package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const coordinatorTracerName = "runfleet-coordinator"

func coordinatorTracer() trace.Tracer {
	return Tracer(coordinatorTracerName)
}

// TraceRunCreate creates a span covering run creation, from blueprint
// resolution through queue insertion.
func TraceRunCreate(ctx context.Context, runType, agentName string) (context.Context, trace.Span) {
	ctx, span := coordinatorTracer().Start(ctx, "run.create",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("run_type", runType),
		attribute.String("agent_name", agentName),
	)
	return ctx, span
}

// TraceClaim creates a span for a claim attempt by a polling runner.
func TraceClaim(ctx context.Context, runnerID string, tagCount int) (context.Context, trace.Span) {
	ctx, span := coordinatorTracer().Start(ctx, "queue.claim",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("runner_id", runnerID),
		attribute.Int("tag_count", tagCount),
	)
	return ctx, span
}

// TraceExecutorSpawn creates a span for an executor subprocess spawn on the
// runner side.
func TraceExecutorSpawn(ctx context.Context, runID, sessionID string) (context.Context, trace.Span) {
	ctx, span := Tracer("runfleet-runner").Start(ctx, "executor.spawn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("session_id", sessionID),
	)
	return ctx, span
}

// RecordResult records an operation outcome on its span.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
