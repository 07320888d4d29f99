// Package observability provides OpenTelemetry tracing and metrics for the
// guardrail engine.
//
// Spans and RED metrics wrap decide, evaluate, dispatch and every scheduler
// pass; domain counters track decisions, job transitions, evaluations,
// escalations and metered execution events. Every method is safe on a nil
// or disabled Provider.
package observability

import (
	"context"
	"errors"
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
)

const instrumentationName = "zapguard.guardrail"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC host:port
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns defaults with telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "zapguard",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	intentDecisions   metric.Int64Counter
	jobTransitions    metric.Int64Counter
	healthEvaluations metric.Int64Counter
	escalations       metric.Int64Counter
	executionEvents   metric.Int64Counter
}

// New builds a Provider. With telemetry disabled the tracer and meter fall
// back to the global no-op providers and nothing is exported.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	spans, err := otlptracegrpc.New(ctx, config.traceOptions()...)
	if err != nil {
		return nil, fmt.Errorf("span exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(config.sampler())),
	)

	metrics, err := otlpmetricgrpc.New(ctx, config.metricOptions()...)
	if err != nil {
		_ = p.tracerProvider.Shutdown(ctx)
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(exportInterval))),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("telemetry instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry exporting",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

const exportInterval = 15 * time.Second

func (c *Config) sampler() sdktrace.Sampler {
	switch {
	case c.SampleRate >= 1:
		return sdktrace.AlwaysSample()
	case c.SampleRate <= 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(c.SampleRate)
}

func (c *Config) traceOptions() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.OTLPEndpoint)}
	if c.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

func (c *Config) metricOptions() []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(c.OTLPEndpoint)}
	if c.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return opts
}

// initInstruments creates the RED and domain instruments on p.meter.
func (p *Provider) initInstruments() error {
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&p.requestCounter, "zapguard.operations.total", "Total number of operations processed"},
		{&p.errorCounter, "zapguard.errors.total", "Total number of failed operations"},
		{&p.intentDecisions, "zapguard.intent.decisions", "Message intent decisions by outcome"},
		{&p.jobTransitions, "zapguard.job.transitions", "Execution job state transitions"},
		{&p.healthEvaluations, "zapguard.health.evaluations", "Instance health evaluations by risk level"},
		{&p.escalations, "zapguard.followup.escalations", "Follow-up escalations by reason and type"},
		{&p.executionEvents, "zapguard.execution.events", "Metered execution events"},
	}
	for _, c := range counters {
		*c.dst, err = p.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return err
		}
	}

	p.durationHist, err = p.meter.Float64Histogram("zapguard.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return err
	}

	p.activeOperations, err = p.meter.Int64UpDownCounter("zapguard.operations.active",
		metric.WithDescription("Number of currently active operations"),
	)
	return err
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tracerProvider != nil {
		errs = append(errs, p.tracerProvider.Shutdown(ctx))
	}
	if p.meterProvider != nil {
		errs = append(errs, p.meterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// TrackOperation starts a span and RED bookkeeping for one operation.
// The returned function must be called with the operation's error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p == nil {
		return ctx, func(err error) {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}
	}

	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	p.add(ctx, p.requestCounter, attrs...)

	return ctx, func(err error) {
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			p.add(ctx, p.errorCounter, append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...)
		}
		span.End()
	}
}

// RecordIntentDecision counts a pipeline outcome.
func (p *Provider) RecordIntentDecision(ctx context.Context, purpose, status string) {
	if p == nil {
		return
	}
	p.add(ctx, p.intentDecisions, attribute.String("purpose", purpose), attribute.String("status", status))
}

// RecordJobTransition counts a job entering status.
func (p *Provider) RecordJobTransition(ctx context.Context, status string) {
	if p == nil {
		return
	}
	p.add(ctx, p.jobTransitions, attribute.String("status", status))
}

// RecordHealthEvaluation counts an evaluation by resulting risk level.
func (p *Provider) RecordHealthEvaluation(ctx context.Context, risk string) {
	if p == nil {
		return
	}
	p.add(ctx, p.healthEvaluations, attribute.String("risk_level", risk))
}

// RecordEscalation counts a follow-up escalation.
func (p *Provider) RecordEscalation(ctx context.Context, reason, kind string) {
	if p == nil {
		return
	}
	p.add(ctx, p.escalations, attribute.String("reason", reason), attribute.String("type", kind))
}

// RecordExecutionEvent mirrors a metering event.
func (p *Provider) RecordExecutionEvent(ctx context.Context, kind, organizationID string) {
	if p == nil {
		return
	}
	p.add(ctx, p.executionEvents, attribute.String("kind", kind), attribute.String("organization_id", organizationID))
}

func (p *Provider) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
