package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Spans use the global tracer provider; without one configured they are no-ops.
var tracer = otel.Tracer("github.com/Reverse-Call-Center/callflow-agent")

func StartCallSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "call",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func StartTransitionSpan(ctx context.Context, callID, function, from string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "flow.dispatch."+function,
		trace.WithAttributes(
			attribute.String("call.id", callID),
			attribute.String("flow.function", function),
			attribute.String("flow.node", from),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func StartTurnSpan(ctx context.Context, callID string, turn uint64, node string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pipeline.turn",
		trace.WithAttributes(
			attribute.String("call.id", callID),
			attribute.Int64("turn.id", int64(turn)),
			attribute.String("flow.node", node),
		),
	)
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
