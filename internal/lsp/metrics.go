package lsp

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dusk-indust/codegraph/internal/resolve"
)

const instrumentation = "github.com/dusk-indust/codegraph/internal/lsp"

// Request outcomes, recorded as the "outcome" attribute.
const (
	outcomeFound    = "found"
	outcomeNotFound = "not_found"
	outcomeCached   = "cached"
	outcomeError    = "error"
)

var (
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
	serverSpawns    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentation)
		requestsTotal, metricsErr = meter.Int64Counter("codegraph_lsp_requests_total",
			metric.WithDescription("Definition queries sent to the language server"))
		if metricsErr != nil {
			return
		}
		requestDuration, metricsErr = meter.Float64Histogram("codegraph_lsp_request_duration_seconds",
			metric.WithDescription("Latency of definition queries"),
			metric.WithUnit("s"))
		if metricsErr != nil {
			return
		}
		serverSpawns, metricsErr = meter.Int64Counter("codegraph_lsp_server_spawns_total",
			metric.WithDescription("Language server processes started"))
	})
	return metricsErr
}

func recordRequest(ctx context.Context, language, outcome string, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("language", language),
		attribute.String("outcome", outcome),
	)
	requestsTotal.Add(ctx, 1, attrs)
	requestDuration.Record(ctx, d.Seconds(), attrs)
}

func recordSpawn(ctx context.Context, language string) {
	if initMetrics() != nil {
		return
	}
	serverSpawns.Add(ctx, 1, metric.WithAttributes(attribute.String("language", language)))
}

func startDefinitionSpan(ctx context.Context, language string, q resolve.DefinitionQuery) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, "lsp.definition",
		trace.WithAttributes(
			attribute.String("lsp.language", language),
			attribute.String("lsp.file", q.File),
			attribute.Int("lsp.line", q.Line),
			attribute.String("lsp.name", q.Name),
		),
	)
}

func setSpanOutcome(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("lsp.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
