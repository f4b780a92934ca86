// Package telemetry wires the process-wide OpenTelemetry tracer provider
// that the otelgin middleware in internal/httpapi traces HTTP requests with.
// No trace context travels across the jobs -> tasks -> jobs message hops;
// those messages carry the correlationId only as a plain field. This is
// tracing only, not the metrics shipper the non-goals exclude.
package telemetry

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

	"github.com/rob634/rmhgeoapi/internal/platform/logger"
)

type Config struct {
	ServiceName string
	Environment string
	Version     string
}

var (
	once     sync.Once
	shutdown func(context.Context) error
)

// Init sets the global TracerProvider once per process. It is a no-op
// (returning a no-op shutdown) unless OTEL_ENABLED is set, so a dev
// environment without a collector running never blocks or errors.
func Init(ctx context.Context, log *logger.Logger, cfg Config) func(context.Context) error {
	once.Do(func() {
		shutdown = func(context.Context) error { return nil }
		if !enabled() {
			return
		}
		serviceName := strings.TrimSpace(cfg.ServiceName)
		if serviceName == "" {
			serviceName = "rmhgeoapi"
		}
		res, err := resource.New(
			ctx,
			resource.WithAttributes(
				semconv.ServiceNameKey.String(serviceName),
				attribute.String("deployment.environment", strings.TrimSpace(cfg.Environment)),
				semconv.ServiceVersionKey.String(strings.TrimSpace(cfg.Version)),
			),
		)
		if err != nil && log != nil {
			log.Warn("telemetry: resource init failed, continuing", "error", err)
		}

		exporter, expErr := buildExporter(ctx, log)
		if expErr != nil && log != nil {
			log.Warn("telemetry: exporter init failed, continuing", "error", expErr)
		}

		var opts []sdktrace.TracerProviderOption
		if exporter != nil {
			opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
		}
		opts = append(opts,
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
			sdktrace.WithResource(res),
		)
		tp := sdktrace.NewTracerProvider(opts...)

		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdown = tp.Shutdown
		if log != nil {
			log.Info("telemetry: tracing initialized", "service", serviceName, "endpoint", endpoint())
		}
	})
	return shutdown
}

func enabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_ENABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func sampleRatio() float64 {
	v := strings.TrimSpace(os.Getenv("OTEL_SAMPLER_RATIO"))
	if v == "" {
		return 0.1
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0.1
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func endpoint() string {
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

func insecure() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func buildExporter(ctx context.Context, log *logger.Logger) (sdktrace.SpanExporter, error) {
	ep := endpoint()
	if ep != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ep)}
		if insecure() {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	if log != nil {
		log.Warn("telemetry: using stdout exporter, no OTLP endpoint configured")
	}
	return exp, nil
}
