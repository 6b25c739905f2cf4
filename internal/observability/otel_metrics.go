// Package observability provides OpenTelemetry Metrics integration for the
// router and realtime pipeline.
package observability

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// OTelMetricsConfig contains configuration for OpenTelemetry Metrics export.
type OTelMetricsConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	Insecure    bool
	Headers     map[string]string
	// ExportInterval is the interval between metric exports.
	ExportInterval time.Duration
}

// DefaultOTelMetricsConfig returns sensible defaults, overridable via
// environment variables.
func DefaultOTelMetricsConfig() OTelMetricsConfig {
	return OTelMetricsConfig{
		Enabled:        envBool("ROUTER_OTEL_METRICS_ENABLED", false),
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"),
		ServiceName:    "routepilot",
		Insecure:       true,
		Headers:        make(map[string]string),
		ExportInterval: 60 * time.Second,
	}
}

// OTelMetricsProvider wraps the OpenTelemetry meter provider and the
// instruments used by the routing and realtime packages.
type OTelMetricsProvider struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	decisionDuration metric.Float64Histogram
	decisionCount    metric.Int64Counter
	confidence       metric.Float64Histogram
	banditReward     metric.Float64Histogram
	messagesDropped  metric.Int64Counter
}

// InitOTelMetrics initializes OpenTelemetry Metrics export. Returns a nil
// provider (no error) when export is disabled, so callers can record against
// it unconditionally.
func InitOTelMetrics(ctx context.Context, cfg OTelMetricsConfig) (*OTelMetricsProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	exporter, err := createGRPCMetricExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.ExportInterval)),
		),
	)

	otel.SetMeterProvider(provider)
	meter := provider.Meter(TracerName)

	omp := &OTelMetricsProvider{
		provider: provider,
		meter:    meter,
	}

	if err := omp.initMetrics(); err != nil {
		return nil, err
	}

	return omp, nil
}

func (o *OTelMetricsProvider) initMetrics() error {
	var err error

	o.decisionDuration, err = o.meter.Float64Histogram(
		"router.decision.duration",
		metric.WithDescription("Wall-clock duration of a routing decision"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.decisionCount, err = o.meter.Int64Counter(
		"router.decision.count",
		metric.WithDescription("Number of routing decisions made"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	o.confidence, err = o.meter.Float64Histogram(
		"router.decision.confidence",
		metric.WithDescription("Confidence score of the selected tier"),
	)
	if err != nil {
		return err
	}

	o.banditReward, err = o.meter.Float64Histogram(
		"router.bandit.reward",
		metric.WithDescription("Observed reward fed back into the contextual bandit"),
	)
	if err != nil {
		return err
	}

	o.messagesDropped, err = o.meter.Int64Counter(
		"realtime.queue.messages_dropped",
		metric.WithDescription("Outbound messages dropped by the backpressure policy"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// RecordDecision records the outcome of a single routing decision.
func (o *OTelMetricsProvider) RecordDecision(ctx context.Context, tenantID string, tier string, confidence float64, duration time.Duration) {
	if o == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("tier", tier),
	)
	o.decisionCount.Add(ctx, 1, attrs)
	o.confidence.Record(ctx, confidence, attrs)
	o.decisionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordBanditReward records a reward sample fed back via record_outcome.
func (o *OTelMetricsProvider) RecordBanditReward(ctx context.Context, tenantID string, tier string, reward float64) {
	if o == nil {
		return
	}
	o.banditReward.Record(ctx, reward, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("tier", tier),
	))
}

// RecordMessageDropped records a message dropped by the backpressure policy.
func (o *OTelMetricsProvider) RecordMessageDropped(ctx context.Context, tenantID string, reason string) {
	if o == nil {
		return
	}
	o.messagesDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("reason", reason),
	))
}

// Shutdown gracefully shuts down the metrics provider.
func (o *OTelMetricsProvider) Shutdown(ctx context.Context) error {
	if o == nil || o.provider == nil {
		return nil
	}
	return o.provider.Shutdown(ctx)
}

// createGRPCMetricExporter creates an OTLP gRPC metric exporter.
func createGRPCMetricExporter(ctx context.Context, cfg OTelMetricsConfig) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
	}
	return otlpmetricgrpc.New(ctx, opts...)
}
