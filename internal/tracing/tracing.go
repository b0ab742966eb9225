// Package tracing exports the spans a todloop run records (run, routine
// phases, per-TOD execution) to an OTLP/HTTP collector.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

// ShutdownTimeout bounds how long ShutdownTracing waits for buffered spans.
const ShutdownTimeout = 10 * time.Second

// ErrNoEndpoint is returned by SetupTracing when no collector is configured.
var ErrNoEndpoint = errors.New("tracing: OTLP endpoint is empty")

// Version is reported as service.version on every span.
var Version = "dev"

// Config selects the collector and the run's resource attributes.
type Config struct {
	ServiceName string
	Environment string
	// OTLPEndpoint is host:port; the exporter appends /v1/traces.
	OTLPEndpoint string
	Insecure     bool
	// SampleRatio is clamped to [0, 1]. Child spans follow their parent.
	SampleRatio float64
}

// DefaultConfig samples every run and talks plain HTTP to endpoint.
func DefaultConfig(serviceName, endpoint string) Config {
	return Config{
		ServiceName:  serviceName,
		Environment:  "development",
		OTLPEndpoint: endpoint,
		Insecure:     true,
		SampleRatio:  1.0,
	}
}

// Validate reports whether cfg names a collector.
func (c Config) Validate() error {
	if c.OTLPEndpoint == "" {
		return ErrNoEndpoint
	}
	return nil
}

func (c Config) sampler() sdktrace.Sampler {
	ratio := c.SampleRatio
	switch {
	case ratio < 0:
		ratio = 0
	case ratio > 1:
		ratio = 1
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func (c Config) exporter(ctx context.Context) (*otlptrace.Exporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(c.OTLPEndpoint)}
	if c.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter for %s: %w", c.OTLPEndpoint, err)
	}
	return exp, nil
}

func (c Config) resource(ctx context.Context) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(c.ServiceName),
			semconv.ServiceVersion(Version),
			semconv.DeploymentEnvironment(c.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}
	return res, nil
}

// SetupTracing installs the global tracer provider the loop's spans go to.
// The returned function flushes and stops it; pass it to ShutdownTracing.
func SetupTracing(ctx context.Context, cfg Config, logger *zap.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	exp, err := cfg.exporter(ctx)
	if err != nil {
		return nil, err
	}
	res, err := cfg.resource(ctx)
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("Exporting run traces",
		zap.String("service_name", cfg.ServiceName),
		zap.String("otlp_endpoint", cfg.OTLPEndpoint),
		zap.Float64("sample_ratio", cfg.SampleRatio))
	return tp.Shutdown, nil
}

// ShutdownTracing flushes pending spans, waiting at most ShutdownTimeout.
func ShutdownTracing(shutdown func(context.Context) error, logger *zap.Logger) error {
	if shutdown == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := shutdown(ctx); err != nil {
		logger.Warn("Some run spans were not exported", zap.Error(err))
		return err
	}
	logger.Debug("Run traces flushed")
	return nil
}
