package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Observability struct {
	Tracer oteltrace.Tracer
	Meter  metric.Meter

	traceProvider *sdktrace.TracerProvider

	SampleCounter      metric.Int64Counter
	SampleDuration     metric.Int64Histogram
	EscalationCounter  metric.Int64Counter
	TerminationCounter metric.Int64Counter
	NarrationCounter   metric.Int64Counter
}

func SetupObservability(ctx context.Context, cfg ObservabilityConfig) (*Observability, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "proctor-api"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	if cfg.OTLPEndpoint != "" {
		exporter, exportErr := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if exportErr != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", exportErr)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
		)
	} else {
		slog.Info("otel trace exporter not configured; using local tracer provider")
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	meter := otel.Meter(serviceName)
	tracer := otel.Tracer(serviceName)
	sampleCounter, _ := meter.Int64Counter("proctor_sample_total")
	sampleDuration, _ := meter.Int64Histogram("proctor_sample_duration_ms")
	escalationCounter, _ := meter.Int64Counter("proctor_escalation_total")
	terminationCounter, _ := meter.Int64Counter("proctor_termination_total")
	narrationCounter, _ := meter.Int64Counter("proctor_narration_total")
	return &Observability{
		Tracer:             tracer,
		Meter:              meter,
		traceProvider:      tp,
		SampleCounter:      sampleCounter,
		SampleDuration:     sampleDuration,
		EscalationCounter:  escalationCounter,
		TerminationCounter: terminationCounter,
		NarrationCounter:   narrationCounter,
	}, nil
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.traceProvider == nil {
		return nil
	}
	return o.traceProvider.Shutdown(ctx)
}

func (o *Observability) MarkSample(ctx context.Context, sampler, verdict string, durationMS int64) {
	if o == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("sampler", sampler),
		attribute.String("verdict", verdict),
	)
	o.SampleCounter.Add(ctx, 1, attrs)
	o.SampleDuration.Record(ctx, durationMS, metric.WithAttributes(
		attribute.String("sampler", sampler),
	))
}

func (o *Observability) MarkEscalation(ctx context.Context, rule string, stage int) {
	if o == nil {
		return
	}
	o.EscalationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rule", rule),
		attribute.Int("stage", stage),
	))
}

func (o *Observability) MarkTermination(ctx context.Context, reason string) {
	if o == nil {
		return
	}
	o.TerminationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func (o *Observability) MarkNarration(ctx context.Context, outcome string) {
	if o == nil {
		return
	}
	o.NarrationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
