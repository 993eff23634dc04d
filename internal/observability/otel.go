// internal/observability/otel.go
package observability

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	"libralend/internal/config"
	"libralend/internal/logger"
)

var (
	initOnce sync.Once
	shutdown = func(context.Context) error { return nil }
)

// Init installs the global tracer provider and propagator once per process.
// Tracing stays a no-op unless OTEL_ENABLED is set. The returned function
// flushes pending spans.
func Init(ctx context.Context, log *logger.Logger, serviceName string) func(context.Context) error {
	initOnce.Do(func() {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		if !config.Bool("OTEL_ENABLED", false) {
			return
		}

		res, err := resource.New(ctx, resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("deployment.environment", config.String("DEPLOY_ENV", "local")),
		))
		if err != nil {
			log.Warn("otel resource init failed (continuing)", "error", err)
		}

		ratio := config.Float("OTEL_SAMPLER_RATIO", 0.1)
		if ratio < 0 {
			ratio = 0
		}
		if ratio > 1 {
			ratio = 1
		}
		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
			sdktrace.WithResource(res),
		}

		endpoint := config.String("OTEL_EXPORTER_OTLP_ENDPOINT", "")
		if endpoint != "" {
			expOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://"))}
			if config.Bool("OTEL_EXPORTER_OTLP_INSECURE", strings.HasPrefix(endpoint, "http://")) {
				expOpts = append(expOpts, otlptracehttp.WithInsecure())
			}
			exporter, err := otlptracehttp.New(ctx, expOpts...)
			if err != nil {
				log.Warn("otel exporter init failed (continuing)", "error", err)
			} else {
				opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
			}
		} else {
			log.Warn("otel enabled without OTEL_EXPORTER_OTLP_ENDPOINT, spans are not exported")
		}

		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		shutdown = tp.Shutdown
		log.Info("otel tracing initialized", "service", serviceName, "endpoint", endpoint, "ratio", ratio)
	})
	return shutdown
}
