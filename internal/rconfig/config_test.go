package rconfig_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routepilot/gateway/internal/rconfig"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := rconfig.DefaultConfig()

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 100, cfg.Realtime.MaxQueueSize)
	require.Equal(t, 80, cfg.Realtime.DropThreshold)
	require.Equal(t, 20*time.Millisecond, cfg.Realtime.PumpCadence)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile_AppliesOverridesAndExpandsEnv(t *testing.T) {
	t.Setenv("ROUTEPILOT_KV_ADDR", "redis.internal:6379")
	path := writeConfigFile(t, `
server:
  port: 9090
kv_store:
  addr: ${ROUTEPILOT_KV_ADDR}
realtime:
  max_queue_size: 50
  drop_threshold: 40
tenants:
  acme:
    max_queue_size: 20
    drop_threshold: 15
    canary:
      canary_fraction: 0.1
      quality_floor: 0.95
      min_samples: 10
      evaluation_window_seconds: 300
      rollback_threshold: 0.9
`)

	cfg, err := rconfig.LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "redis.internal:6379", cfg.KVStore.Addr)
	require.Equal(t, 50, cfg.Realtime.MaxQueueSize)

	maxSize, dropAt := cfg.ResolveQueueLimits("acme")
	require.Equal(t, 20, maxSize)
	require.Equal(t, 15, dropAt)

	maxSize, dropAt = cfg.ResolveQueueLimits("other-tenant")
	require.Equal(t, 50, maxSize)
	require.Equal(t, 40, dropAt)

	canary := cfg.ResolveCanary("acme")
	require.Equal(t, 0.1, canary.CanaryFraction)
	require.Equal(t, 10, canary.MinSamples)

	defaultCanary := cfg.ResolveCanary("other-tenant")
	require.Equal(t, cfg.Routing.Canary.CanaryFraction, defaultCanary.CanaryFraction)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := rconfig.DefaultConfig()
	cfg.Realtime.DropThreshold = cfg.Realtime.MaxQueueSize + 1
	require.Error(t, cfg.Validate())

	cfg = rconfig.DefaultConfig()
	cfg.Routing.Canary.CanaryFraction = 1.5
	require.Error(t, cfg.Validate())

	cfg = rconfig.DefaultConfig()
	cfg.Server.Port = 70000
	require.Error(t, cfg.Validate())
}
