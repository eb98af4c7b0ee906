package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartPipelineSpan creates a child span for a full request's pipeline
// processing.
func StartPipelineSpan(ctx context.Context, requestID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "pipeline.analyze",
		trace.WithAttributes(attribute.String("pipeline.request_id", requestID)),
	)
}

// StartStageSpan creates a child span for a single named orchestrator stage
// (pseudonymize, prompt_generate, generate, validate, feedback, repersonalize).
func StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "stage."+stage,
		trace.WithAttributes(attribute.String("stage.name", stage)),
	)
}

// StartUpstreamSpan creates a child span for an outbound HTTP call to an
// external backend (enrichment, validator, LLM).
func StartUpstreamSpan(ctx context.Context, url, backend string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "upstream.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.url", url),
			attribute.String("upstream.backend", backend),
		),
	)
}

// InjectHeaders injects the current trace context (traceparent, tracestate)
// into outbound HTTP request headers so the upstream service can continue
// the trace.
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// SetRequestAttributes adds request-level attributes to the current span.
func SetRequestAttributes(ctx context.Context, requestID, contextTag string, enrichmentEnabled bool) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("request.context_tag", contextTag),
		attribute.Bool("request.enrichment_enabled", enrichmentEnabled),
	)
}

// SetResultAttributes adds result-level attributes to the current span.
func SetResultAttributes(ctx context.Context, approved bool, overallScore float64, cacheHit bool) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Bool("result.approved", approved),
		attribute.Float64("result.overall_score", overallScore),
		attribute.Bool("result.cache_hit", cacheHit),
	)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
