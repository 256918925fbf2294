package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// zeroTraceID is reported when the context carries no valid span.
const zeroTraceID = "00000000000000000000000000000000"

// GetTraceID returns the trace id from the current span context, or the
// zero trace id when the context carries no recording span.
func GetTraceID(ctx context.Context) string {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return zeroTraceID
}
