package observability

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantdesk/marketjobs/internal/platform/logger"
)

// OtelConfig controls tracing bootstrap. Every field is also settable via
// environment variable so a worker fleet can be switched on without a
// config redeploy, matching the teacher's InitOTel wiring.
type OtelConfig struct {
	ServiceName string
	Ratio       float64
}

func otelEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_ENABLED")))
	return v == "1" || v == "true" || v == "yes"
}

func otelSampleRatio(fallback float64) float64 {
	raw := os.Getenv("OTEL_SAMPLER_RATIO")
	if raw == "" {
		return fallback
	}
	r, err := strconv.ParseFloat(raw, 64)
	if err != nil || r < 0 || r > 1 {
		return fallback
	}
	return r
}

func buildTraceExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return stdouttrace.New(stdouttrace.WithoutTimestamps())
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"))) == "true" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); raw != "" {
		headers := map[string]string{}
		for _, pair := range strings.Split(raw, ",") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) == 2 {
				headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
			}
		}
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

// InitTracing wires a global tracer provider if OTEL_ENABLED is set, and
// otherwise leaves the otel no-op provider in place. It returns a shutdown
// func the caller must invoke on process exit.
func InitTracing(ctx context.Context, log *logger.Logger, cfg OtelConfig) func(context.Context) error {
	if !otelEnabled() {
		log.Debug("tracing disabled", "reason", "OTEL_ENABLED not set")
		return func(context.Context) error { return nil }
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "marketjobs"
	}

	exporter, err := buildTraceExporter(ctx)
	if err != nil {
		log.Error("failed to build trace exporter, tracing disabled", "error", err)
		return func(context.Context) error { return nil }
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
		resource.WithFromEnv(),
		resource.WithProcess(),
	)
	if err != nil {
		res = resource.Default()
	}

	ratio := otelSampleRatio(cfg.Ratio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	log.Info("tracing enabled", "service", serviceName, "sample_ratio", ratio)
	return tp.Shutdown
}

// Tracer returns the named tracer from the global provider (no-op if
// tracing was never enabled).
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// JobSpan starts a span covering one claimed job's Start→terminal
// execution, attributing the job kind and id so traces line up with the
// worker_status/job event streams. Callers must end the returned span.
func JobSpan(ctx context.Context, kind, jobID, workerID string) (context.Context, trace.Span) {
	return Tracer("marketjobs/worker").Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.String("job.kind", kind),
			attribute.String("job.id", jobID),
			attribute.String("worker.id", workerID),
		),
	)
}
