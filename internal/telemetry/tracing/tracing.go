// Package tracing extracts correlation ids from the active OpenTelemetry
// span for structured logging. Adapted from the teacher's internal tracer
// (engine/internal/telemetry/tracing), rebased onto go.opentelemetry.io/otel/trace
// directly since that dependency is already carried for metrics.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// ExtractIDs returns the trace/span id of the span active in ctx, or empty
// strings if ctx carries no valid span context.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
