package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan creates a new server span (for incoming requests).
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// SetSpanError marks the span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanErrorMessage marks the span as errored without a wrapped error
// value (dispatch failures are typed responses, not Go errors).
func SetSpanErrorMessage(span trace.Span, msg string) {
	span.SetStatus(codes.Error, msg)
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for goxeld spans.
var (
	AttrMethod    = attribute.Key("goxeld.method")
	AttrDialect   = attribute.Key("goxeld.dialect")
	AttrClientID  = attribute.Key("goxeld.client_id")
	AttrRequestID = attribute.Key("goxeld.request_id")
	AttrPriority  = attribute.Key("goxeld.priority")
)
