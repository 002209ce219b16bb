// Package telemetry provides OpenTelemetry OTLP gRPC trace export and
// prometheus run metrics.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// OTLPConfig configures the OpenTelemetry OTLP gRPC exporter.
type OTLPConfig struct {
	// Endpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// Tracing stays disabled when empty.
	Endpoint string

	// ServiceName identifies this program in traces
	ServiceName string

	// ServiceVersion is the version of this program
	ServiceVersion string

	// Insecure disables TLS for the gRPC connection (use for local collectors)
	Insecure bool

	// Headers are additional headers to send with each request (e.g., auth tokens)
	Headers map[string]string

	// BatchTimeout is how long to wait before sending a batch of spans
	BatchTimeout time.Duration

	// MaxBatchSize is the maximum number of spans per batch
	MaxBatchSize int

	// MaxQueueSize is the maximum number of spans to queue before dropping
	MaxQueueSize int

	// ExportTimeout is the timeout for exporting a batch
	ExportTimeout time.Duration

	// SamplingRatio is the fraction of traces to sample (0.0 to 1.0).
	SamplingRatio float64
}

// DefaultOTLPConfig returns defaults for a local collector.
func DefaultOTLPConfig(serviceName string) OTLPConfig {
	return OTLPConfig{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Insecure:       true,
		BatchTimeout:   5 * time.Second,
		MaxBatchSize:   512,
		MaxQueueSize:   2048,
		ExportTimeout:  30 * time.Second,
		SamplingRatio:  1.0,
	}
}

// ShutdownFunc flushes and closes the trace pipeline.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// InitTracing installs a global tracer provider exporting over OTLP gRPC.
// With no endpoint configured it leaves the global no-op provider in place
// and returns a shutdown that does nothing.
func InitTracing(ctx context.Context, cfg OTLPConfig) (ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		return noopShutdown, nil
	}

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithTimeout(cfg.ExportTimeout),
	}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	if len(cfg.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp, err := newTracerProvider(cfg, exporter)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// newTracerProvider builds the provider around any span exporter.
func newTracerProvider(cfg OTLPConfig, exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var bspOpts []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		bspOpts = append(bspOpts, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	if cfg.MaxBatchSize > 0 {
		bspOpts = append(bspOpts, sdktrace.WithMaxExportBatchSize(cfg.MaxBatchSize))
	}
	if cfg.MaxQueueSize > 0 {
		bspOpts = append(bspOpts, sdktrace.WithMaxQueueSize(cfg.MaxQueueSize))
	}
	if cfg.ExportTimeout > 0 {
		bspOpts = append(bspOpts, sdktrace.WithExportTimeout(cfg.ExportTimeout))
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, bspOpts...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SamplingRatio)),
	), nil
}

func newSampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1.0:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}
