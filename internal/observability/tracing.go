package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/gcmc-sampler/internal/logging"
)

// Span exporters.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// DefaultServiceName is reported when no service name is configured.
const DefaultServiceName = "gcmc-sampler"

const defaultOTLPEndpoint = "localhost:4317"

// TracingConfig selects the span exporter for one sampler run.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	// RunID becomes service.instance.id so spans of one run group together.
	RunID       string
	Exporter    string
	Endpoint    string
	SampleRatio float64
	// Output receives stdout-exported spans; nil means stderr.
	Output io.Writer
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// InitTracing installs the global tracer provider described by cfg. With
// tracing disabled it installs a no-op provider and returns a no-op shutdown.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (ShutdownFunc, error) {
	if log == nil {
		log = logging.Noop()
	}
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("trace sample ratio %v outside [0, 1]", cfg.SampleRatio)
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	service := cfg.ServiceName
	if service == "" {
		service = DefaultServiceName
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", service),
		attribute.String("service.namespace", "gcmc"),
	}
	if cfg.RunID != "" {
		attrs = append(attrs, attribute.String("service.instance.id", cfg.RunID))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(samplerFor(cfg.SampleRatio)),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", service),
		logging.Float("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

// samplerFor has no parent-based wrapper: sampler spans are always roots.
func samplerFor(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case ExporterStdout, "":
		w := cfg.Output
		if w == nil {
			w = os.Stderr
		}
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	case ExporterOTLP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		exp, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
		if err != nil {
			return nil, fmt.Errorf("otlp exporter %s: %w", endpoint, err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}
}

// ShutdownWithTimeout flushes spans within five seconds and logs, rather
// than returns, a failure.
func ShutdownWithTimeout(ctx context.Context, shutdown ShutdownFunc, log logging.Logger) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil && log != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
