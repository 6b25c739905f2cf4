// Package rconfig is the hot-reloadable YAML configuration for the router
// and realtime gateway: KV store connection, per-tenant canary defaults,
// outbound queue limits, session pump cadence, and ambient logging/metrics/
// tracing settings.
package rconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/routepilot/gateway/pkg/kv"
	"github.com/routepilot/gateway/pkg/routing/types"
)

// Config is the top-level configuration document.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	KVStore  kv.RedisConfig  `yaml:"kv_store"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Tracing  TracingConfig   `yaml:"tracing"`
	Routing  RoutingConfig   `yaml:"routing"`
	Realtime RealtimeConfig  `yaml:"realtime"`
	Tenants  map[string]TenantOverride `yaml:"tenants"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// CanaryDefaults mirrors types.CanaryConfig in YAML-friendly form; it is
// converted per tenant via ResolveCanary.
type CanaryDefaults struct {
	CanaryFraction    float64 `yaml:"canary_fraction"`
	QualityFloor      float64 `yaml:"quality_floor"`
	MinSamples        int     `yaml:"min_samples"`
	EvaluationWindowS int     `yaml:"evaluation_window_seconds"`
	RollbackThreshold float64 `yaml:"rollback_threshold"`
	CanaryTier        int     `yaml:"canary_tier"`
}

func (d CanaryDefaults) toTypes() types.CanaryConfig {
	return types.CanaryConfig{
		CanaryFraction:    d.CanaryFraction,
		QualityFloor:      d.QualityFloor,
		MinSamples:        d.MinSamples,
		EvaluationWindowS: d.EvaluationWindowS,
		RollbackThreshold: d.RollbackThreshold,
		CanaryTier:        types.Tier(d.CanaryTier),
	}
}

// RoutingConfig configures the Router Orchestrator and its collaborators.
type RoutingConfig struct {
	DecisionTimeout time.Duration  `yaml:"decision_timeout"`
	Canary          CanaryDefaults `yaml:"canary"`
}

// RealtimeConfig configures the Per-Connection Outbound Queue and Session
// Manager defaults.
type RealtimeConfig struct {
	MaxQueueSize     int           `yaml:"max_queue_size"`
	DropThreshold    int           `yaml:"drop_threshold"`
	PumpCadence      time.Duration `yaml:"pump_cadence"`
	MessagesPerTick  int           `yaml:"messages_per_tick"`
	HeartbeatSilence time.Duration `yaml:"heartbeat_silence"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	IdleReapAfter    time.Duration `yaml:"idle_reap_after"`
}

// TenantOverride carries per-tenant knobs layered on top of the Routing and
// Realtime defaults. Zero-valued fields mean "inherit the default".
type TenantOverride struct {
	Canary        *CanaryDefaults `yaml:"canary,omitempty"`
	MaxQueueSize  int             `yaml:"max_queue_size,omitempty"`
	DropThreshold int             `yaml:"drop_threshold,omitempty"`
}

// DefaultConfig returns the built-in defaults, overridden by whatever a
// loaded YAML document specifies.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		KVStore: kv.DefaultRedisConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "routepilot",
			SampleRate:  1.0,
			Insecure:    true,
		},
		Routing: RoutingConfig{
			DecisionTimeout: 40 * time.Millisecond,
			Canary: CanaryDefaults{
				CanaryFraction:    0,
				QualityFloor:      0.9,
				MinSamples:        30,
				EvaluationWindowS: 900,
				RollbackThreshold: 0.85,
			},
		},
		Realtime: RealtimeConfig{
			MaxQueueSize:     100,
			DropThreshold:    80,
			PumpCadence:      20 * time.Millisecond,
			MessagesPerTick:  10,
			HeartbeatSilence: 30 * time.Second,
			StaleAfter:       60 * time.Second,
			IdleReapAfter:    30 * time.Minute,
		},
		Tenants: map[string]TenantOverride{},
	}
}

// LoadFromFile reads and parses a YAML configuration file. Environment
// variables in the format ${VAR_NAME} are expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Routing.DecisionTimeout <= 0 {
		return fmt.Errorf("routing.decision_timeout must be positive")
	}
	if err := validateCanary(c.Routing.Canary); err != nil {
		return fmt.Errorf("routing.canary: %w", err)
	}

	if c.Realtime.MaxQueueSize <= 0 {
		return fmt.Errorf("realtime.max_queue_size must be positive")
	}
	if c.Realtime.DropThreshold <= 0 || c.Realtime.DropThreshold > c.Realtime.MaxQueueSize {
		return fmt.Errorf("realtime.drop_threshold must be in (0, max_queue_size]")
	}
	if c.Realtime.PumpCadence <= 0 {
		return fmt.Errorf("realtime.pump_cadence must be positive")
	}
	if c.Realtime.MessagesPerTick <= 0 {
		return fmt.Errorf("realtime.messages_per_tick must be positive")
	}

	for tenantID, override := range c.Tenants {
		if override.Canary != nil {
			if err := validateCanary(*override.Canary); err != nil {
				return fmt.Errorf("tenants[%s].canary: %w", tenantID, err)
			}
		}
		if override.MaxQueueSize < 0 {
			return fmt.Errorf("tenants[%s].max_queue_size cannot be negative", tenantID)
		}
		if override.DropThreshold < 0 {
			return fmt.Errorf("tenants[%s].drop_threshold cannot be negative", tenantID)
		}
	}

	return nil
}

func validateCanary(d CanaryDefaults) error {
	if d.CanaryFraction < 0 || d.CanaryFraction > 1 {
		return fmt.Errorf("canary_fraction must be between 0 and 1")
	}
	if d.QualityFloor < 0 || d.QualityFloor > 1 {
		return fmt.Errorf("quality_floor must be between 0 and 1")
	}
	if d.MinSamples < 0 {
		return fmt.Errorf("min_samples cannot be negative")
	}
	if d.EvaluationWindowS < 0 {
		return fmt.Errorf("evaluation_window_seconds cannot be negative")
	}
	if d.RollbackThreshold < 0 || d.RollbackThreshold > 1 {
		return fmt.Errorf("rollback_threshold must be between 0 and 1")
	}
	return nil
}

// ResolveCanary returns the effective CanaryConfig for a tenant, layering
// the tenant override (if any) over the routing-level default.
func (c *Config) ResolveCanary(tenantID string) types.CanaryConfig {
	if override, ok := c.Tenants[tenantID]; ok && override.Canary != nil {
		return override.Canary.toTypes()
	}
	return c.Routing.Canary.toTypes()
}

// ResolveQueueLimits returns the effective (maxQueueSize, dropThreshold)
// pair for a tenant, layering tenant overrides over the realtime defaults.
func (c *Config) ResolveQueueLimits(tenantID string) (maxQueueSize, dropThreshold int) {
	maxQueueSize, dropThreshold = c.Realtime.MaxQueueSize, c.Realtime.DropThreshold
	if override, ok := c.Tenants[tenantID]; ok {
		if override.MaxQueueSize > 0 {
			maxQueueSize = override.MaxQueueSize
		}
		if override.DropThreshold > 0 {
			dropThreshold = override.DropThreshold
		}
	}
	return maxQueueSize, dropThreshold
}
