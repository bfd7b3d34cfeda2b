// Package observability exports traces and metrics for the Kernel and the
// Gate over OTLP/gRPC.
//
// A nil *Provider is valid and records nothing.
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

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

const scope = "github.com/matiascloudarch/cognitive-decision-architecture"

// Attribute keys shared by spans and metrics.
const (
	KeyOperation = attribute.Key("cda.operation")
	KeyOutcome   = attribute.Key("cda.outcome")
	KeyCode      = attribute.Key("cda.code")
)

// Config selects the collector and sampling.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string // OTLP gRPC, host:port
	SampleRate     float64
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig has export disabled.
func DefaultConfig(service string) *Config {
	return &Config{
		ServiceName:    service,
		ServiceVersion: "13.3.0",
		Environment:    "development",
		Endpoint:       "localhost:4317",
		SampleRate:     1.0,
		ExportInterval: 15 * time.Second,
		Insecure:       true,
	}
}

type instruments struct {
	attempts metric.Int64Counter
	outcomes metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

// Provider owns the SDK providers when export is enabled and the
// instruments either way.
type Provider struct {
	tracer   trace.Tracer
	inst     instruments
	shutdown []func(context.Context) error
	logger   *slog.Logger
}

// New builds a provider. With export disabled the global no-op providers
// are used.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig("cda")
	}
	p := &Provider{logger: slog.Default().With("component", "observability", "service", cfg.ServiceName)}

	if cfg.Enabled {
		if err := p.export(ctx, cfg); err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
		p.logger.InfoContext(ctx, "exporting telemetry", "endpoint", cfg.Endpoint, "sample_rate", cfg.SampleRate)
	}

	p.tracer = otel.Tracer(scope, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	inst, err := newInstruments(otel.Meter(scope, metric.WithInstrumentationVersion(cfg.ServiceVersion)))
	if err != nil {
		return nil, fmt.Errorf("create instruments: %w", err)
	}
	p.inst = inst
	return p, nil
}

// export installs OTLP trace and metric pipelines as the global providers.
func (p *Provider) export(ctx context.Context, cfg *Config) error {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return fmt.Errorf("telemetry resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	p.shutdown = append(p.shutdown, tp.Shutdown)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return fmt.Errorf("metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(cfg.ExportInterval))),
	)
	p.shutdown = append(p.shutdown, mp.Shutdown)
	otel.SetMeterProvider(mp)
	return nil
}

func newInstruments(m metric.Meter) (instruments, error) {
	var (
		in  instruments
		err error
	)
	if in.attempts, err = m.Int64Counter("cda.attempts", metric.WithUnit("{attempt}"),
		metric.WithDescription("Authorize and execute attempts")); err != nil {
		return in, err
	}
	if in.outcomes, err = m.Int64Counter("cda.outcomes", metric.WithUnit("{outcome}"),
		metric.WithDescription("Successful attempts by outcome: allow, executed, replayed")); err != nil {
		return in, err
	}
	if in.failures, err = m.Int64Counter("cda.failures", metric.WithUnit("{failure}"),
		metric.WithDescription("Failed attempts by error code")); err != nil {
		return in, err
	}
	if in.latency, err = m.Float64Histogram("cda.duration", metric.WithUnit("s"),
		metric.WithDescription("Attempt duration"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1)); err != nil {
		return in, err
	}
	if in.inFlight, err = m.Int64UpDownCounter("cda.in_flight", metric.WithUnit("{attempt}"),
		metric.WithDescription("Attempts in progress")); err != nil {
		return in, err
	}
	return in, nil
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil {
			p.logger.ErrorContext(ctx, "telemetry shutdown failed", "error", err)
		}
	}
	p.shutdown = nil
	return nil
}

// TrackOperation opens a span for op. The returned func closes it with the
// attempt's error; typed errors are counted under their code and anything
// else as "internal".
func (p *Provider) TrackOperation(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p == nil {
		return ctx, func(error) {}
	}
	ctx, span := p.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
	set := metric.WithAttributes(KeyOperation.String(op))
	p.inst.attempts.Add(ctx, 1, set)
	p.inst.inFlight.Add(ctx, 1, set)
	start := time.Now()

	return ctx, func(err error) {
		defer span.End()
		p.inst.inFlight.Add(ctx, -1, set)
		p.inst.latency.Record(ctx, time.Since(start).Seconds(), set)
		if err == nil {
			return
		}
		code := string(contracts.CodeOf(err))
		if code == "" {
			code = "internal"
		}
		span.RecordError(err)
		span.SetAttributes(KeyCode.String(code))
		p.inst.failures.Add(ctx, 1, metric.WithAttributes(KeyOperation.String(op), KeyCode.String(code)))
	}
}

// RecordOutcome counts a successful attempt of op.
func (p *Provider) RecordOutcome(ctx context.Context, op, outcome string) {
	if p == nil {
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(KeyOutcome.String(outcome))
	p.inst.outcomes.Add(ctx, 1, metric.WithAttributes(KeyOperation.String(op), KeyOutcome.String(outcome)))
}
