package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/dusk-indust/codegraph/internal/orchestrator"

var (
	buildDuration   metric.Float64Histogram
	filesParsed     metric.Int64Counter
	filesSkipped    metric.Int64Counter
	refsResolved    metric.Int64Counter
	refsUnresolved  metric.Int64Counter
	metricsInitOnce sync.Once
	metricsInitErr  error
)

func initMetrics() error {
	metricsInitOnce.Do(func() {
		meter := otel.Meter(instrumentation)
		if buildDuration, metricsInitErr = meter.Float64Histogram("codegraph_build_duration_seconds",
			metric.WithDescription("Wall time of graph builds"),
			metric.WithUnit("s")); metricsInitErr != nil {
			return
		}
		if filesParsed, metricsInitErr = meter.Int64Counter("codegraph_files_parsed_total",
			metric.WithDescription("Files parsed into the graph")); metricsInitErr != nil {
			return
		}
		if filesSkipped, metricsInitErr = meter.Int64Counter("codegraph_files_skipped_total",
			metric.WithDescription("Files skipped after a read or parse failure")); metricsInitErr != nil {
			return
		}
		if refsResolved, metricsInitErr = meter.Int64Counter("codegraph_refs_resolved_total",
			metric.WithDescription("References turned into edges")); metricsInitErr != nil {
			return
		}
		refsUnresolved, metricsInitErr = meter.Int64Counter("codegraph_refs_unresolved_total",
			metric.WithDescription("References left unresolved"))
	})
	return metricsInitErr
}

func recordBuild(ctx context.Context, r *Report, outcome string) {
	if initMetrics() != nil {
		return
	}
	lang := attribute.String("language", r.Language)
	buildDuration.Record(ctx, r.Duration.Seconds(), metric.WithAttributes(
		lang,
		attribute.String("backend", r.Backend),
		attribute.String("outcome", outcome),
	))
	if outcome != "ok" {
		return
	}
	filesParsed.Add(ctx, int64(r.Files), metric.WithAttributes(lang))
	filesSkipped.Add(ctx, int64(len(r.Skipped)), metric.WithAttributes(lang))

	res := r.Resolution
	refsResolved.Add(ctx, int64(res.Resolved-res.External),
		metric.WithAttributes(lang, attribute.String("stage", "local")))
	refsResolved.Add(ctx, int64(res.External),
		metric.WithAttributes(lang, attribute.String("stage", "external")))
	refsUnresolved.Add(ctx, int64(res.Unresolved),
		metric.WithAttributes(lang, attribute.String("stage", "final")))
}

func startBuildSpan(ctx context.Context, buildID, language, backend string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, "codegraph.build",
		trace.WithAttributes(
			attribute.String("build.id", buildID),
			attribute.String("build.language", language),
			attribute.String("build.backend", backend),
		),
	)
}

func startPhaseSpan(ctx context.Context, p Phase) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, "codegraph.build."+p.String())
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func since(start time.Time) time.Duration { return time.Since(start).Round(time.Microsecond) }
