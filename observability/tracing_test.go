package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	previous := tracer
	tracer = tp.Tracer("test")
	t.Cleanup(func() {
		tracer = previous
		tp.Shutdown(context.Background())
	})
	return exporter
}

func attr(attrs []attribute.KeyValue, key string) string {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestCallAndTransitionSpans(t *testing.T) {
	exporter := recordSpans(t)

	ctx, call := StartCallSpan(context.Background(), "s-1")
	tctx, transition := StartTransitionSpan(ctx, "s-1", "set_interest", "interest")
	AddEvent(tctx, "flow.duplicate_ignored", attribute.String("flow.function", "set_interest"))
	EndSpan(transition, nil)
	EndSpan(call, errors.New("call disconnected"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	dispatch := spans[0]
	assert.Equal(t, "flow.dispatch.set_interest", dispatch.Name)
	assert.Equal(t, "interest", attr(dispatch.Attributes, "flow.node"))
	assert.Equal(t, codes.Ok, dispatch.Status.Code)
	require.Len(t, dispatch.Events, 1)
	assert.Equal(t, "flow.duplicate_ignored", dispatch.Events[0].Name)
	assert.Equal(t, spans[1].SpanContext.SpanID(), dispatch.Parent.SpanID())

	assert.Equal(t, "call", spans[1].Name)
	assert.Equal(t, "s-1", attr(spans[1].Attributes, "session.id"))
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, "call disconnected", spans[1].Status.Description)
}

func TestSpansWithoutProviderAreNoops(t *testing.T) {
	assert.NotPanics(t, func() {
		ctx, span := otel.Tracer("noop").Start(context.Background(), "x")
		AddEvent(ctx, "ignored")
		EndSpan(span, nil)
		EndSpan(nil, errors.New("ignored"))
	})
}
