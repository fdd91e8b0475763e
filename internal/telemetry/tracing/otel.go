package tracing

// OTel-backed Tracer: a zero-exporter SDK TracerProvider behind this
// package's narrower Span/Tracer interface, so call sites never handle
// oteltrace.Span directly.

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/resource"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// NewOTelTracer returns a Tracer backed by an OTel SDK TracerProvider with
// no exporter wired (spans are recorded but not shipped anywhere); callers
// that want export can register their own SpanProcessor on the returned
// provider before traffic starts.
func NewOTelTracer(serviceName string) (Tracer, *sdktrace.TracerProvider) {
	if serviceName == "" {
		serviceName = "riptide"
	}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", serviceName),
	)
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	return &otelTracer{tracer: tp.Tracer(serviceName)}, tp
}

type otelTracer struct {
	tracer oteltrace.Tracer
}

func (t *otelTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, sp := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: sp}
}
func (t *otelTracer) Noop() bool { return false }

type otelSpan struct {
	span oteltrace.Span
}

func (s *otelSpan) End() { s.span.End() }
func (s *otelSpan) SetAttribute(key string, value any) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, ""))
	}
}
func (s *otelSpan) Context() SpanContext {
	sc := s.span.SpanContext()
	return SpanContext{TraceID: sc.TraceID().String(), SpanID: sc.SpanID().String()}
}
func (s *otelSpan) IsEnded() bool { return !s.span.IsRecording() }
