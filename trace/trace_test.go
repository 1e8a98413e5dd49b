package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/clinicflow/flowbridge/log"
)

func TestTracerRunAndSteps(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tr := NewTracer(log.NullLogger(), tp, map[string]string{"host": "test"})

	ctx, run := tr.TraceRun(context.Background(), "extract-cms", "run-1")
	_, step := tr.TraceStep(ctx, "read-nric", "READ")
	End(step, errors.New("boom"))
	End(run, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)

	stepSpan, runSpan := spans[0], spans[1]
	assert.Equal(t, "strategy.step", stepSpan.Name())
	assert.Equal(t, codes.Error, stepSpan.Status().Code)
	assert.Equal(t, runSpan.SpanContext().SpanID(), stepSpan.Parent().SpanID())
	assert.Contains(t, runSpan.Attributes(), attribute.String("strategy.id", "extract-cms"))
	assert.Contains(t, runSpan.Attributes(), attribute.String("host", "test"))
	assert.Equal(t, codes.Unset, runSpan.Status().Code)
	assert.NotEmpty(t, GetTraceID(runSpan.SpanContext()))
}

func TestNoopTracer(t *testing.T) {
	t.Parallel()

	tr := NewNoopTracer()
	_, span := tr.TraceBridge(context.Background(), "tab")
	assert.False(t, span.IsRecording())
	End(span, nil)
}
