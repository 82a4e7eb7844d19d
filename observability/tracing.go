// Package observability provides OpenTelemetry tracing and Prometheus
// metrics for the reporting core. Both are optional; a nil Tracer or
// Metrics disables them.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/perimetric/reporting"

// Tracer traces upload attempts.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a reporting tracer from the global provider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartUploadSpan starts a span for an upload attempt.
func (t *Tracer) StartUploadSpan(ctx context.Context, endpointURL, groupKey string, reportCount int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "reporting.upload",
		trace.WithAttributes(
			attribute.String("reporting.endpoint_url", endpointURL),
			attribute.String("reporting.group_key", groupKey),
			attribute.Int("reporting.report_count", reportCount),
		),
	)
}

// EndUploadSpan ends an upload span with its outcome.
func (t *Tracer) EndUploadSpan(span trace.Span, outcome string) {
	span.SetAttributes(attribute.String("reporting.outcome", outcome))
	span.End()
}
