package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/agentlab/agentlab/internal/domain"
)

const (
	serviceName    = "agentlab"
	serviceVersion = "1.0.0"
)

// Exporter records server counters against an OTEL Collector.
type Exporter struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	experimentsStarted  metric.Int64Counter
	experimentsFinished metric.Int64Counter
	iterationsTotal     metric.Int64Counter
	pullsStarted        metric.Int64Counter
	pullsFinished       metric.Int64Counter
	pullRetries         metric.Int64Counter
}

// NewExporter creates a new OTEL metrics exporter.
func NewExporter(ctx context.Context, cfg Config) (*Exporter, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil, fmt.Errorf("OTEL exporter is disabled or endpoint not configured")
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	e := &Exporter{provider: provider, meter: meter}

	e.experimentsStarted, err = meter.Int64Counter(
		"agentlab_experiments_started_total",
		metric.WithDescription("Experiments started"),
		metric.WithUnit("{experiment}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating experiments counter: %w", err)
	}

	e.experimentsFinished, err = meter.Int64Counter(
		"agentlab_experiments_finished_total",
		metric.WithDescription("Experiments reaching a terminal status"),
		metric.WithUnit("{experiment}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating experiments finished counter: %w", err)
	}

	e.iterationsTotal, err = meter.Int64Counter(
		"agentlab_iterations_total",
		metric.WithDescription("Conversation iterations completed"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating iterations counter: %w", err)
	}

	e.pullsStarted, err = meter.Int64Counter(
		"agentlab_pulls_started_total",
		metric.WithDescription("Model pull tasks started"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating pulls counter: %w", err)
	}

	e.pullsFinished, err = meter.Int64Counter(
		"agentlab_pulls_finished_total",
		metric.WithDescription("Model pull tasks reaching a terminal status"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating pulls finished counter: %w", err)
	}

	e.pullRetries, err = meter.Int64Counter(
		"agentlab_pull_retries_total",
		metric.WithDescription("Transient pull failures that were retried"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating pull retries counter: %w", err)
	}

	return e, nil
}

func (e *Exporter) ExperimentStarted(ctx context.Context) {
	e.experimentsStarted.Add(ctx, 1)
}

func (e *Exporter) ExperimentFinished(ctx context.Context, status domain.Status) {
	e.experimentsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (e *Exporter) IterationCompleted(ctx context.Context) {
	e.iterationsTotal.Add(ctx, 1)
}

func (e *Exporter) PullStarted(ctx context.Context, model string) {
	e.pullsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
}

func (e *Exporter) PullFinished(ctx context.Context, model string, status domain.Status) {
	e.pullsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", string(status)),
	))
}

func (e *Exporter) PullRetried(ctx context.Context, model string) {
	e.pullRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
}

// Close shuts down the exporter and flushes any pending metrics.
func (e *Exporter) Close(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}
