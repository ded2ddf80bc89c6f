// Package observability provides OpenTelemetry tracing and metrics for
// the action pipeline: one span per lifecycle stage and counters over
// submissions and terminal outcomes, exported over OTLP/gRPC.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"
	Enabled        bool
	Insecure       bool
	BatchTimeout   time.Duration
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "opsentry",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        false,
		Insecure:       true,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the trace and metric providers plus the pipeline's
// instruments. A disabled Provider is a cheap no-op.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	submitted     metric.Int64Counter
	terminal      metric.Int64Counter
	stageDuration metric.Float64Histogram
}

// New creates a Provider. With Enabled=false, tracing is a no-op and no
// exporter connections are made.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.tracer = noop.NewTracerProvider().Tracer("opsentry")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("metric provider: %w", err)
	}

	p.tracer = otel.Tracer("opsentry", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("opsentry", metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.submitted, err = p.meter.Int64Counter("opsentry.actions.submitted",
		metric.WithDescription("Actions accepted by submit"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}
	p.terminal, err = p.meter.Int64Counter("opsentry.actions.terminal",
		metric.WithDescription("Actions reaching a terminal state"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}
	p.stageDuration, err = p.meter.Float64Histogram("opsentry.stage.duration",
		metric.WithDescription("Wall time spent per lifecycle stage"),
		metric.WithUnit("s"),
	)
	return err
}

// StartStage opens a span for one lifecycle stage.
func (p *Provider) StartStage(ctx context.Context, stage, actionID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pipeline."+stage, trace.WithAttributes(
		attribute.String("opsentry.action_id", actionID),
	))
}

// RecordSubmitted counts one accepted submission.
func (p *Provider) RecordSubmitted(ctx context.Context, environment string) {
	if p.submitted == nil {
		return
	}
	p.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("environment", environment)))
}

// RecordTerminal counts one terminal outcome.
func (p *Provider) RecordTerminal(ctx context.Context, state string) {
	if p.terminal == nil {
		return
	}
	p.terminal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordStageDuration records wall time for one stage.
func (p *Provider) RecordStageDuration(ctx context.Context, stage string, d time.Duration) {
	if p.stageDuration == nil {
		return
	}
	p.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
