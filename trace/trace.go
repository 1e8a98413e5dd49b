// Package trace creates the spans for strategy runs and their steps.
package trace

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "flowbridge.runner"

// Tracer generates spans for runs and steps. Every span carries the
// tracer's metadata attributes.
type Tracer struct {
	logger logrus.FieldLogger

	trace.Tracer

	metadata []attribute.KeyValue
}

// TracerProvider hands out tracers. Both the SDK provider and
// otel.TraceProvider satisfy it.
type TracerProvider interface {
	Tracer(name string, options ...trace.TracerOption) trace.Tracer
}

// NewTracer creates a new Tracer from the given TracerProvider.
func NewTracer(logger logrus.FieldLogger, tp TracerProvider, metadata map[string]string, options ...trace.TracerOption) *Tracer {
	return &Tracer{
		logger:   logger,
		Tracer:   tp.Tracer(tracerName, options...),
		metadata: buildMetadataAttributes(metadata),
	}
}

// NewNoopTracer returns a Tracer whose spans go nowhere.
func NewNoopTracer() *Tracer {
	return &Tracer{
		logger: logrus.New(),
		Tracer: noop.NewTracerProvider().Tracer(tracerName),
	}
}

// Start overrides the underlying OTEL tracer method to include the tracer metadata.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	return t.Tracer.Start(ctx, spanName, opts...)
}

// GetTraceID returns the hex trace ID, or "" if spanCtx has none.
func GetTraceID(spanCtx trace.SpanContext) string {
	if spanCtx.HasTraceID() {
		traceID := spanCtx.TraceID()
		return traceID.String()
	}
	return ""
}

// TraceRun starts the root span of a strategy run. It is the caller's
// responsibility to end it.
func (t *Tracer) TraceRun(
	ctx context.Context, strategyID, runID string,
) (context.Context, trace.Span) {
	spanName := "strategy.run"
	sCtx, span := t.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("strategy.id", strategyID),
		attribute.String("run.id", runID),
	))
	t.logger.Debugf("TraceRun: strategy: %q traceID: %q", strategyID, GetTraceID(span.SpanContext()))

	return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: spanName}
}

// TraceStep starts a child span for one step of the run in ctx.
func (t *Tracer) TraceStep(
	ctx context.Context, stepID, action string,
) (context.Context, trace.Span) {
	spanName := "strategy.step"
	sCtx, span := t.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("step.id", stepID),
		attribute.String("step.action", action),
	))

	return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: spanName}
}

// TraceBridge starts the root span of a bridge flow.
func (t *Tracer) TraceBridge(ctx context.Context, tabID string) (context.Context, trace.Span) {
	spanName := "bridge.run"
	sCtx, span := t.Start(ctx, spanName, trace.WithAttributes(attribute.String("tab.id", tabID)))

	return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: spanName}
}

// End ends span, recording err on it first if there is one.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	meta := make([]attribute.KeyValue, 0, len(metadata))
	for mk, mv := range metadata {
		meta = append(meta, attribute.String(mk, mv))
	}

	return meta
}

// SpanLogger is a Span that will log the method calls.
type SpanLogger struct {
	trace.Span
	logger   logrus.FieldLogger
	spanName string
}

// SetStatus will log some info before calling the underlying SetStatus.
func (i *SpanLogger) SetStatus(code codes.Code, description string) {
	traceID := GetTraceID(i.SpanContext())
	i.logger.Debugf("SetStatus: spanName: %q traceID: %q code: %q description: %q", i.spanName, traceID, code, description)

	i.Span.SetStatus(code, description)
}

// End will log some info before calling the underlying End.
func (i *SpanLogger) End(options ...trace.SpanEndOption) {
	traceID := GetTraceID(i.SpanContext())
	i.logger.Debugf("End: spanName: %q traceID: %q", i.spanName, traceID)

	i.Span.End(options...)
}

// RecordError will log some info before calling the underlying RecordError.
func (i *SpanLogger) RecordError(err error, options ...trace.EventOption) {
	traceID := GetTraceID(i.SpanContext())
	i.logger.Debugf("RecordError: spanName: %q traceID: %q err: %q", i.spanName, traceID, err)

	i.Span.RecordError(err, options...)
}
