// Package tracing wires the OpenTelemetry SDK as an ambient concern: a
// span around each hop an evaluation takes across the pipeline's
// asynchronous boundaries (gateway submit, event-bus publish/consume,
// dispatcher task handling), so one evaluation's path through Gateway -> Dispatcher ->
// Monitor -> Writer can be followed even though no single call stack
// spans it. Adapted from yungbote-neurobridge-backend's
// internal/observability/otel.go (there wired to otelgin; here wired to
// the pipeline's async hops instead). This is instrumentation, not a
// dashboard: nothing in this system's scope excludes it.
package tracing

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/evalforge/corepipeline/internal/logger"
)

var (
	initOnce sync.Once
	shutdown func(context.Context) error
)

// Init configures the global tracer provider for serviceName. Disabled
// unless OTEL_ENABLED is truthy, opt-in by default for local/dev runs.
// Safe to call once per process; subsequent calls are
// no-ops and return the first shutdown func.
func Init(ctx context.Context, log *logger.Logger, serviceName string) func(context.Context) error {
	initOnce.Do(func() {
		if !enabled() {
			shutdown = func(context.Context) error { return nil }
			return
		}
		res, err := resource.New(ctx, resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("service.component", serviceName),
		))
		if err != nil && log != nil {
			log.Warn("otel resource init failed (continuing)", "error", err)
		}

		exporter, expErr := buildExporter(ctx, log)
		var tp *sdktrace.TracerProvider
		if expErr != nil || exporter == nil {
			if log != nil {
				log.Warn("otel exporter init failed (tracing disabled)", "error", expErr)
			}
			tp = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		} else {
			tp = sdktrace.NewTracerProvider(
				sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
				sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
				sdktrace.WithResource(res),
			)
		}
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
		shutdown = tp.Shutdown
		if log != nil {
			log.Info("otel tracing initialized", "service", serviceName)
		}
	})
	return shutdown
}

// Tracer returns the named tracer for a component (e.g. "gateway").
func Tracer(name string) trace.Tracer {
	return otel.Tracer("evalcore/" + name)
}

// StartEvalSpan starts a span tagged with the evaluation id, for use
// around a single lifecycle hop (publish, consume, orchestrator call).
func StartEvalSpan(ctx context.Context, tracerName, spanName, evalID string) (context.Context, trace.Span) {
	ctx, span := Tracer(tracerName).Start(ctx, spanName)
	span.SetAttributes(attribute.String("eval_id", evalID))
	return ctx, span
}

func enabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_ENABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func sampleRatio() float64 {
	v := strings.TrimSpace(os.Getenv("OTEL_SAMPLER_RATIO"))
	if v == "" {
		return 1.0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 1.0
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func buildExporter(ctx context.Context, log *logger.Logger) (sdktrace.SpanExporter, error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint != "" {
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	}
	if log != nil {
		log.Info("otel using stdout exporter (no OTLP endpoint configured)")
	}
	return stdouttrace.New()
}
