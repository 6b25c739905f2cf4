// Package httpapi exposes the Router HTTP surface, the WebSocket session
// endpoint, and the administrative operations  over a
// go-chi/chi router, following the wisbric-nightowl example's
// middleware-chain-plus-sub-router convention (llmux's own cmd/server uses
// a bare net/http.ServeMux, which chi replaces here for nicer route
// grouping).
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/routepilot/gateway/internal/observability"
	"github.com/routepilot/gateway/internal/rconfig"
	"github.com/routepilot/gateway/pkg/routing/bandit"
	"github.com/routepilot/gateway/pkg/routing/canary"
	"github.com/routepilot/gateway/pkg/routing/classifier"
	"github.com/routepilot/gateway/pkg/routing/orchestrator"
	"github.com/routepilot/gateway/pkg/realtime/session"
)

// MisrouteRecorder is implemented by internal/routermetrics.Registry to
// update router_misroute_rate alongside Orchestrator.RecordOutcome (the
// orchestrator's own MetricsSink has no misroute-specific method, since
// misroute is caller feedback on a specific outcome, not a per-decision
// metric).
type MisrouteRecorder interface {
	RecordMisroute(tenantID string, misroute bool)
}

// Server wires the Router Orchestrator, Session Manager, and
// administrative collaborators onto an HTTP surface.
type Server struct {
	Router *chi.Mux

	logger       *observability.Logger
	orchestrator *orchestrator.Orchestrator
	sessions     *session.Manager
	bandit       *bandit.Bandit
	canaryMgr    *canary.Manager
	classifier   *classifier.Classifier
	config       *rconfig.Manager
	misroutes    MisrouteRecorder

	upgrader websocket.Upgrader
}

// Deps bundles the collaborators a Server is built from. Any field left
// nil disables the endpoints that depend on it.
type Deps struct {
	Logger       *observability.Logger
	Orchestrator *orchestrator.Orchestrator
	Sessions     *session.Manager
	Bandit       *bandit.Bandit
	Canary       *canary.Manager
	Classifier   *classifier.Classifier
	Config       *rconfig.Manager
	Misroutes    MisrouteRecorder
	MetricsReg   *prometheus.Registry
	HTTPMetrics  HTTPMetricsSink
}

// NewServer builds the router with middleware, health/metrics endpoints,
// and every routing, outcome, session, and admin route the gateway exposes.
func NewServer(deps Deps) *Server {
	s := &Server{
		Router:       chi.NewRouter(),
		logger:       deps.Logger,
		orchestrator: deps.Orchestrator,
		sessions:     deps.Sessions,
		bandit:       deps.Bandit,
		canaryMgr:    deps.Canary,
		classifier:   deps.Classifier,
		config:       deps.Config,
		misroutes:    deps.Misroutes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	s.Router.Use(RequestID)
	if s.logger != nil {
		s.Router.Use(RequestLogger(s.logger))
	}
	if deps.HTTPMetrics != nil {
		s.Router.Use(Metrics(deps.HTTPMetrics))
	}
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(middleware.Timeout(30 * time.Second))

	s.Router.Get("/healthz", s.handleHealthz)

	if deps.MetricsReg != nil {
		s.Router.Handle("/metrics", promhttp.HandlerFor(deps.MetricsReg, promhttp.HandlerOpts{}))
	}

	s.Router.Post("/route", s.handleRoute)
	s.Router.Post("/outcome", s.handleOutcome)
	s.Router.Get("/ws", s.handleWebSocket)

	s.Router.Route("/admin/tenants/{tenantID}", func(r chi.Router) {
		r.Post("/reset_learning", s.handleResetLearning)
		r.Post("/calibrate", s.handleCalibrate)
		r.Put("/canary", s.handleSetCanary)
		r.Get("/statistics", s.handleGetStatistics)
	})

	if s.config != nil {
		s.Router.Get("/admin/config/status", s.handleConfigStatus)
	}

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
