// Package observability provides unified configuration for logging, tracing
// and metrics export used by the router and realtime pipeline.
package observability

import (
	"context"
	"os"
	"strings"
)

// ObservabilityConfig contains configuration for observability integrations.
type ObservabilityConfig struct {
	Prometheus struct {
		Enabled bool `yaml:"enabled" json:"enabled"`
	} `yaml:"prometheus" json:"prometheus"`

	OpenTelemetry TracingConfig `yaml:"opentelemetry" json:"opentelemetry"`

	ContentFilter struct {
		FilterBase64     bool `yaml:"filter_base64" json:"filter_base64"`
		MaxContentLength int  `yaml:"max_content_length" json:"max_content_length"`
	} `yaml:"content_filter" json:"content_filter"`
}

// DefaultObservabilityConfig returns configuration from environment
// variables, falling back to sensible defaults.
func DefaultObservabilityConfig() ObservabilityConfig {
	cfg := ObservabilityConfig{}
	cfg.Prometheus.Enabled = os.Getenv("ROUTER_PROMETHEUS_ENABLED") != "false"
	cfg.OpenTelemetry = DefaultTracingConfig()
	cfg.ContentFilter.FilterBase64 = strings.EqualFold(os.Getenv("ROUTER_FILTER_BASE64"), "true")
	cfg.ContentFilter.MaxContentLength = 10000
	return cfg
}

// ObservabilityManager wires together the tracer provider and content filter
// for the lifetime of the process.
type ObservabilityManager struct {
	config         ObservabilityConfig
	tracerProvider *TracerProvider
	contentFilter  *ContentFilter
}

// NewObservabilityManager creates a new observability manager.
func NewObservabilityManager(cfg ObservabilityConfig) (*ObservabilityManager, error) {
	mgr := &ObservabilityManager{config: cfg}

	mgr.contentFilter = &ContentFilter{
		FilterBase64:      cfg.ContentFilter.FilterBase64,
		Base64Placeholder: "[base64_content_filtered]",
		MaxContentLength:  cfg.ContentFilter.MaxContentLength,
		RedactPlaceholder: "[REDACTED]",
	}

	if cfg.OpenTelemetry.Enabled {
		tp, err := InitTracing(context.Background(), cfg.OpenTelemetry)
		if err != nil {
			return nil, err
		}
		mgr.tracerProvider = tp
	}

	return mgr, nil
}

// TracerProvider returns the tracer provider (nil if tracing is disabled).
func (m *ObservabilityManager) TracerProvider() *TracerProvider {
	return m.tracerProvider
}

// ContentFilter returns the content filter used before logging message
// bodies.
func (m *ObservabilityManager) ContentFilter() *ContentFilter {
	return m.contentFilter
}

// Shutdown gracefully shuts down all integrations.
func (m *ObservabilityManager) Shutdown(ctx context.Context) error {
	if m.tracerProvider != nil {
		return m.tracerProvider.Shutdown(ctx)
	}
	return nil
}
