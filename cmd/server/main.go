// Command server runs the Request Router and Realtime Backpressure Pipeline
// as a single HTTP/WebSocket process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/routepilot/gateway/internal/httpapi"
	"github.com/routepilot/gateway/internal/observability"
	"github.com/routepilot/gateway/internal/rconfig"
	"github.com/routepilot/gateway/internal/routermetrics"
	"github.com/routepilot/gateway/pkg/clock"
	"github.com/routepilot/gateway/pkg/kv"
	"github.com/routepilot/gateway/pkg/realtime/session"
	"github.com/routepilot/gateway/pkg/routing/bandit"
	"github.com/routepilot/gateway/pkg/routing/canary"
	"github.com/routepilot/gateway/pkg/routing/classifier"
	"github.com/routepilot/gateway/pkg/routing/costdrift"
	"github.com/routepilot/gateway/pkg/routing/features"
	"github.com/routepilot/gateway/pkg/routing/orchestrator"
	"github.com/routepilot/gateway/pkg/routing/types"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfgManager, err := rconfig.NewManager(*configPath, bootLogger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := cfgManager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      parseLogLevel(cfg.Logging.Level),
		JSONFormat: cfg.Logging.Format == "json",
	}, observability.NewRedactor())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if watchErr := cfgManager.Watch(ctx); watchErr != nil {
		logger.RedactedWarn("config hot-reload disabled", "error", watchErr)
	}

	store, err := newKVStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to KV store: %w", err)
	}
	defer func() { _ = store.Close() }()

	obsMgr, err := observability.NewObservabilityManager(observability.ObservabilityConfig{
		OpenTelemetry: observability.TracingConfig{
			Enabled:     cfg.Tracing.Enabled,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			SampleRate:  cfg.Tracing.SampleRate,
			Insecure:    cfg.Tracing.Insecure,
		},
	})
	if err != nil {
		logger.RedactedError("failed to initialize tracing", "error", err)
		obsMgr = nil
	} else if cfg.Tracing.Enabled {
		logger.RedactedInfo("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}
	defer func() {
		if obsMgr == nil {
			return
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = obsMgr.Shutdown(shutdownCtx)
	}()

	metricsReg := prometheus.NewRegistry()
	metrics := routermetrics.New(metricsReg)

	c := clock.New()
	tenantState := features.NewKVTenantState(store)
	extractor := features.NewExtractor(store, tenantState, c, logger)
	cls := classifier.New(nil)
	bdt := bandit.New(store, c)
	cny := canary.New(store, c)
	drift := costdrift.NewDetector(1.5)

	orch := orchestrator.New(extractor, cls, bdt, cny, drift, orchestrator.NopPolicyProvider{}, metrics, c, logger, tracerFor(obsMgr))
	orch.SetTierExpectation(types.TierA, orchestrator.TierExpectation{ExpectedCost: 0.01, ExpectedLatency: 200})
	orch.SetTierExpectation(types.TierB, orchestrator.TierExpectation{ExpectedCost: 0.05, ExpectedLatency: 800})
	orch.SetTierExpectation(types.TierC, orchestrator.TierExpectation{ExpectedCost: 0.20, ExpectedLatency: 3000})

	sessions := session.New(store, c, logger, metrics, nil)
	sessions.Start(ctx)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		sessions.Stop(shutdownCtx)
	}()

	apiServer := httpapi.NewServer(httpapi.Deps{
		Logger:       logger,
		Orchestrator: orch,
		Sessions:     sessions,
		Bandit:       bdt,
		Canary:       cny,
		Classifier:   cls,
		Config:       cfgManager,
		Misroutes:    metrics,
		MetricsReg:   metricsReg,
		HTTPMetrics:  metrics,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.RedactedInfo("server listening", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.RedactedInfo("shutting down server...")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.RedactedError("server shutdown error", "error", err)
	}

	logger.RedactedInfo("server stopped")
	return nil
}

func newKVStore(cfg *rconfig.Config) (kv.Store, error) {
	if cfg.KVStore.Addr == "" {
		return kv.NewMemoryStore(), nil
	}
	return kv.NewRedisStore(cfg.KVStore)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// tracerFor returns nil when tracing is disabled so the Orchestrator skips
// span creation entirely, rather than wiring a no-op tracer.
func tracerFor(mgr *observability.ObservabilityManager) trace.Tracer {
	if mgr == nil || mgr.TracerProvider() == nil {
		return nil
	}
	return mgr.TracerProvider().Tracer()
}
