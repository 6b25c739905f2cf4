package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	rtypes "github.com/routepilot/gateway/pkg/routing/types"
)

// envelopeRequest is the wire shape of POST /route's body.
type envelopeRequest struct {
	TenantID string         `json:"tenant_id"`
	UserID   string         `json:"user_id,omitempty"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// featuresSummary is a condensed view of RouterFeatures for the /route
// response's `features_summary` field.
type featuresSummary struct {
	TokenCount        int      `json:"token_count"`
	RequestComplexity float64  `json:"request_complexity"`
	NoveltyScore      float64  `json:"novelty_score"`
	DomainFlags       []string `json:"domain_flags,omitempty"`
}

// canarySummary is the wire shape of a RoutingDecision's canary detail.
type canarySummary struct {
	IsCanary bool   `json:"is_canary"`
	Tier     string `json:"tier"`
}

// decisionResponse is the wire shape of POST /route's body.
type decisionResponse struct {
	Tier            string           `json:"tier"`
	Confidence      float64          `json:"confidence"`
	DecisionTimeMS  float64          `json:"decision_time_ms"`
	ReasonCode      string           `json:"reason_code"`
	Canary          *canarySummary   `json:"canary,omitempty"`
	FeaturesSummary featuresSummary  `json:"features_summary"`
	FeatureHash     string           `json:"feature_hash"`
}

func toDecisionResponse(d rtypes.RoutingDecision) decisionResponse {
	resp := decisionResponse{
		Tier:           d.Tier.String(),
		Confidence:     d.Confidence,
		DecisionTimeMS: d.DecisionTimeMS,
		ReasonCode:     string(d.ReasonCode),
		FeatureHash:    d.FeatureHash,
		FeaturesSummary: featuresSummary{
			TokenCount:        d.Features.TokenCount,
			RequestComplexity: d.Features.RequestComplexity,
			NoveltyScore:      d.Features.NoveltyScore,
			DomainFlags:       d.Features.DomainFlags,
		},
	}
	if d.Canary != nil {
		resp.Canary = &canarySummary{IsCanary: d.Canary.IsCanary, Tier: d.Canary.Tier.String()}
	}
	return resp
}

// handleRoute implements POST /route.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "router not configured")
		return
	}

	var req envelopeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid envelope JSON")
		return
	}
	if req.TenantID == "" || req.Message == "" {
		RespondError(w, http.StatusBadRequest, "bad_request", "tenant_id and message are required")
		return
	}

	decision := s.orchestrator.Route(r.Context(), rtypes.RequestEnvelope{
		TenantID: req.TenantID,
		UserID:   req.UserID,
		Message:  req.Message,
		Metadata: req.Metadata,
	})

	Respond(w, http.StatusOK, toDecisionResponse(decision))
}

// outcomeRequest echoes the fields of a prior RoutingDecision back alongside
// observed execution outcome, feeding Orchestrator.RecordOutcome.
type outcomeRequest struct {
	TenantID    string  `json:"tenant_id"`
	UserID      string  `json:"user_id,omitempty"`
	Tier        string  `json:"tier"`
	Confidence  float64 `json:"confidence"`
	ReasonCode  string  `json:"reason_code"`
	FeatureHash string  `json:"feature_hash"`
	Success     bool    `json:"success"`
	LatencyMS   float64 `json:"latency_ms"`
	Quality     float64 `json:"quality"`
	Cost        float64 `json:"cost"`
	Misroute    bool    `json:"misroute"`
}

func tierFromString(s string) rtypes.Tier {
	switch s {
	case "A":
		return rtypes.TierA
	case "B":
		return rtypes.TierB
	case "C":
		return rtypes.TierC
	default:
		return rtypes.TierUnset
	}
}

// handleOutcome feeds execution results back into the Bandit, Canary
// Manager, and cost-drift tracking via Orchestrator.RecordOutcome.
func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "router not configured")
		return
	}

	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid outcome JSON")
		return
	}
	if req.TenantID == "" {
		RespondError(w, http.StatusBadRequest, "bad_request", "tenant_id is required")
		return
	}

	decision := rtypes.RoutingDecision{
		Tier:        tierFromString(req.Tier),
		Confidence:  req.Confidence,
		ReasonCode:  rtypes.ReasonCode(req.ReasonCode),
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		FeatureHash: req.FeatureHash,
	}
	if decision.Tier != rtypes.TierUnset {
		decision.Canary = &rtypes.CanaryInfo{IsCanary: true, Tier: decision.Tier}
	}

	s.orchestrator.RecordOutcome(r.Context(), decision, req.Success, req.LatencyMS, req.Quality, req.Cost, req.Misroute)
	if s.misroutes != nil {
		s.misroutes.RecordMisroute(req.TenantID, req.Misroute)
	}

	Respond(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// handleWebSocket upgrades to a bidirectional session and registers it with
// the Session Manager.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "sessions not configured")
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		RespondError(w, http.StatusBadRequest, "bad_request", "tenant_id query parameter is required")
		return
	}
	connectionID := r.URL.Query().Get("connection_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.RedactedWarn("websocket upgrade failed", "error", err)
		}
		return
	}

	id, err := s.sessions.Connect(r.Context(), conn, tenantID, connectionID)
	if err != nil {
		_ = conn.Close()
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.sessions.Disconnect(r.Context(), id)
			return
		}
		s.sessions.HandleInboundText(r.Context(), id, raw)
	}
}

// handleResetLearning implements the reset_learning(tenant_id)
// administrative operation.
func (s *Server) handleResetLearning(w http.ResponseWriter, r *http.Request) {
	if s.bandit == nil {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "bandit not configured")
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	if err := s.bandit.Reset(r.Context(), tenantID); err != nil {
		RespondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleCalibrate implements the calibrate(tenant_id) administrative
// operation. A no-op (200 OK) when no primary model supports recalibration.
func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if s.classifier == nil {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "classifier not configured")
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	if err := s.classifier.Calibrate(tenantID); err != nil {
		RespondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "calibrated"})
}

// setCanaryRequest is the wire shape of PUT /admin/tenants/{id}/canary.
type setCanaryRequest struct {
	CanaryFraction    float64 `json:"canary_fraction"`
	QualityFloor      float64 `json:"quality_floor"`
	MinSamples        int     `json:"min_samples"`
	EvaluationWindowS int     `json:"evaluation_window_seconds"`
	RollbackThreshold float64 `json:"rollback_threshold"`
	CanaryTier        string  `json:"canary_tier,omitempty"`
}

// handleSetCanary implements set_canary(tenant_id, config).
func (s *Server) handleSetCanary(w http.ResponseWriter, r *http.Request) {
	if s.canaryMgr == nil {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "canary manager not configured")
		return
	}
	tenantID := chi.URLParam(r, "tenantID")

	var req setCanaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid canary config JSON")
		return
	}

	cfg := rtypes.CanaryConfig{
		CanaryFraction:    req.CanaryFraction,
		QualityFloor:      req.QualityFloor,
		MinSamples:        req.MinSamples,
		EvaluationWindowS: req.EvaluationWindowS,
		RollbackThreshold: req.RollbackThreshold,
		CanaryTier:        tierFromString(req.CanaryTier),
	}

	if err := s.canaryMgr.Configure(r.Context(), tenantID, cfg); err != nil {
		RespondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "configured"})
}

// statisticsResponse is the wire shape of get_statistics(tenant_id).
type statisticsResponse struct {
	TenantID          string                    `json:"tenant_id"`
	ActiveConnections int                       `json:"active_connections"`
	TotalQueueSize    int                       `json:"total_queue_size"`
	SlowConnections   int                       `json:"slow_connections"`
	Connections       []connectionDetailSummary `json:"connections"`
}

type connectionDetailSummary struct {
	ConnectionID string `json:"connection_id"`
	QueueSize    int    `json:"queue_size"`
	Slow         bool   `json:"slow"`
	LastSentSeq  int64  `json:"last_sent_seq"`
	LastAckSeq   int64  `json:"last_ack_seq"`
}

// handleGetStatistics implements get_statistics(tenant_id).
func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "sessions not configured")
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	stats := s.sessions.TenantStatistics(tenantID)

	resp := statisticsResponse{
		TenantID:          stats.TenantID,
		ActiveConnections: stats.ActiveConnections,
		TotalQueueSize:    stats.TotalQueueSize,
		SlowConnections:   stats.SlowConnections,
	}
	for _, c := range stats.Connections {
		resp.Connections = append(resp.Connections, connectionDetailSummary{
			ConnectionID: c.ConnectionID,
			QueueSize:    c.QueueSize,
			Slow:         c.Slow,
			LastSentSeq:  c.LastSentSeq,
			LastAckSeq:   c.LastAckSeq,
		})
	}
	Respond(w, http.StatusOK, resp)
}

// handleConfigStatus reports the active config file's checksum, load time,
// and reload count, for operators verifying a hot-reload landed.
func (s *Server) handleConfigStatus(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, s.config.Status())
}
