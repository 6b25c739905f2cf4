// Package routermetrics is the Prometheus-backed Metrics Registry
// collaborator: it implements both orchestrator.MetricsSink and
// session.MetricsSink against a shared ws_*/router_* label set. Unlike a
// package registering collectors on the Prometheus default registry,
// Registry is constructor-injected and bound to a caller-supplied
// *prometheus.Registry, so tests and multiple processes never collide.
package routermetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	rtutypes "github.com/routepilot/gateway/pkg/realtime/types"
	types "github.com/routepilot/gateway/pkg/routing/types"
)

const namespace = "routepilot"

// Registry is the concrete MetricsSink backing both the Router Orchestrator
// and the Session Manager.
type Registry struct {
	wsActiveConnections    *prometheus.GaugeVec
	wsMessagesSentTotal    *prometheus.CounterVec
	wsBackpressureDrops    *prometheus.CounterVec
	wsSendErrorsTotal      *prometheus.CounterVec
	wsQueueSize            *prometheus.GaugeVec
	routerDecisionLatency  *prometheus.HistogramVec
	routerMisrouteRate     *prometheus.GaugeVec
	tierDistribution       *prometheus.CounterVec
	expectedVsActualCost   *prometheus.GaugeVec
	expectedVsActualLat    *prometheus.GaugeVec
	routerFallbackTotal    *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec

	mu              sync.Mutex
	decisionsTotal  map[string]int64
	misroutedTotal  map[string]int64
}

// decisionLatencyBuckets targets a p50<50ms / p99<300ms routing latency
// budget.
var decisionLatencyBuckets = []float64{
	1, 2, 5, 10, 20, 50, 100, 200, 300, 500, 1000,
}

// New registers every collector on reg and returns the Registry. reg must
// be non-nil; pass prometheus.NewRegistry() for test isolation or a
// process-wide registry in production.
func New(reg *prometheus.Registry) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		wsActiveConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_active_connections",
			Help:      "Active realtime session connections.",
		}, []string{"tenant"}),

		wsMessagesSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_sent_total",
			Help:      "Outbound messages successfully delivered over realtime sessions.",
		}, []string{"tenant", "kind"}),

		wsBackpressureDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_backpressure_drops_total",
			Help:      "Intermediate messages dropped by backpressure policy.",
		}, []string{"tenant", "reason"}),

		wsSendErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_send_errors_total",
			Help:      "Transport write failures on realtime sessions.",
		}, []string{"tenant"}),

		wsQueueSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_queue_size",
			Help:      "Current in-memory outbound queue depth for a connection.",
		}, []string{"tenant", "connection"}),

		routerDecisionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "router_decision_latency_ms",
			Help:      "Router Orchestrator route() latency in milliseconds.",
			Buckets:   decisionLatencyBuckets,
		}, []string{"tenant", "tier"}),

		routerMisrouteRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "router_misroute_rate",
			Help:      "Fraction of decisions whose outcome signaled a different tier would have been correct.",
		}, []string{"tenant"}),

		tierDistribution: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_distribution",
			Help:      "Count of routing decisions per tier.",
		}, []string{"tenant", "tier"}),

		expectedVsActualCost: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "expected_vs_actual_cost",
			Help:      "Smoothed ratio of actual to expected cost per tenant.",
		}, []string{"tenant"}),

		expectedVsActualLat: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "expected_vs_actual_latency",
			Help:      "Smoothed ratio of actual to expected latency per tenant.",
		}, []string{"tenant"}),

		routerFallbackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_fallback_total",
			Help:      "Routing decisions that fell back to the safe default after a subcomponent failure.",
		}, []string{"tenant"}),

		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		decisionsTotal: make(map[string]int64),
		misroutedTotal: make(map[string]int64),
	}
}

// --- orchestrator.MetricsSink ---

// RecordDecision implements orchestrator.MetricsSink.
func (r *Registry) RecordDecision(tenantID string, tier types.Tier, _ float64, duration time.Duration, _ types.ReasonCode) {
	r.routerDecisionLatency.WithLabelValues(tenantID, tier.String()).Observe(float64(duration.Microseconds()) / 1000.0)
}

// RecordFallback implements orchestrator.MetricsSink.
func (r *Registry) RecordFallback(tenantID string) {
	r.routerFallbackTotal.WithLabelValues(tenantID).Inc()
}

// RecordTierDistribution implements orchestrator.MetricsSink.
func (r *Registry) RecordTierDistribution(tenantID string, tier types.Tier) {
	r.tierDistribution.WithLabelValues(tenantID, tier.String()).Inc()
}

// RecordCostDrift implements orchestrator.MetricsSink.
func (r *Registry) RecordCostDrift(tenantID string, costRatio, latencyRatio float64) {
	r.expectedVsActualCost.WithLabelValues(tenantID).Set(costRatio)
	r.expectedVsActualLat.WithLabelValues(tenantID).Set(latencyRatio)
}

// RecordMisroute updates router_misroute_rate from caller-reported outcome
// feedback: misroute is a caller-supplied boolean, and the rate is the
// running fraction of decisions flagged that way for the tenant. Concurrent
// HTTP handlers call this per outcome post, so the running totals are
// guarded by a mutex rather than left as bare map writes.
func (r *Registry) RecordMisroute(tenantID string, misroute bool) {
	r.mu.Lock()
	r.decisionsTotal[tenantID]++
	if misroute {
		r.misroutedTotal[tenantID]++
	}
	rate := float64(r.misroutedTotal[tenantID]) / float64(r.decisionsTotal[tenantID])
	r.mu.Unlock()
	r.routerMisrouteRate.WithLabelValues(tenantID).Set(rate)
}

// --- session.MetricsSink ---

// SetActiveConnections implements session.MetricsSink.
func (r *Registry) SetActiveConnections(tenantID string, n int) {
	r.wsActiveConnections.WithLabelValues(tenantID).Set(float64(n))
}

// RecordMessageSent implements session.MetricsSink.
func (r *Registry) RecordMessageSent(tenantID string, kind rtutypes.MessageKind) {
	r.wsMessagesSentTotal.WithLabelValues(tenantID, string(kind)).Inc()
}

// RecordBackpressureDrop implements session.MetricsSink.
func (r *Registry) RecordBackpressureDrop(tenantID string, reason rtutypes.DropReason) {
	r.wsBackpressureDrops.WithLabelValues(tenantID, string(reason)).Inc()
}

// RecordSendError implements session.MetricsSink.
func (r *Registry) RecordSendError(tenantID string) {
	r.wsSendErrorsTotal.WithLabelValues(tenantID).Inc()
}

// SetQueueSize implements session.MetricsSink.
func (r *Registry) SetQueueSize(tenantID, connectionID string, size int) {
	r.wsQueueSize.WithLabelValues(tenantID, connectionID).Set(float64(size))
}

// --- HTTP surface ---

// RecordHTTPRequest records one HTTP request's latency, used by the
// internal/httpapi Metrics middleware.
func (r *Registry) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	r.httpRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}
