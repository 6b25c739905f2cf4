// Package canary implements the Canary Manager: a per-tenant,
// probability-controlled shadow/override of the chosen tier with rolling
// quality tracking and automatic rollback.
package canary

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/routepilot/gateway/pkg/clock"
	"github.com/routepilot/gateway/pkg/kv"
	"github.com/routepilot/gateway/pkg/routing/types"
)

// Info carries diagnostic detail about a canary evaluation.
type Info struct {
	BucketValue float64
	RolledBack  bool
}

// outcome is a single rolling-window sample.
type outcome struct {
	at      time.Time
	success bool
}

// tenantState holds the config, rolling window and rollback flag for one
// tenant in memory. Configure and rollback also write the tenant's canary
// hash to the KV store; the Manager never reads that hash back, so a new
// Manager starts with no canary configured for any tenant.
type tenantState struct {
	mu       sync.Mutex
	config   types.CanaryConfig
	window   []outcome
	rolledBack bool
}

// Manager implements the Canary Manager.
type Manager struct {
	store kv.Store
	clock clock.Clock

	mu      sync.Mutex
	tenants map[string]*tenantState
}

// New constructs a Manager backed by store for persisted canary config.
func New(store kv.Store, c clock.Clock) *Manager {
	return &Manager{store: store, clock: c, tenants: make(map[string]*tenantState)}
}

func canaryKey(tenantID string) string {
	return "router:canary:" + tenantID
}

// Configure sets (or replaces) a tenant's canary configuration. Used by the
// administrative set_canary operation.
func (m *Manager) Configure(ctx context.Context, tenantID string, cfg types.CanaryConfig) error {
	st := m.tenantStateFor(tenantID)
	st.mu.Lock()
	st.config = cfg
	st.rolledBack = false
	st.window = nil
	st.mu.Unlock()

	if m.store == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	return m.store.HSet(cctx, canaryKey(tenantID), fieldsFromConfig(cfg))
}

func (m *Manager) tenantStateFor(tenantID string) *tenantState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tenants[tenantID]
	if !ok {
		st = &tenantState{}
		m.tenants[tenantID] = st
	}
	return st
}

// MaybeRedirect decides whether (tenantID, userID) falls into the canary
// bucket for baseline. Selection is a stable hash comparison, deterministic
// per user.
func (m *Manager) MaybeRedirect(ctx context.Context, tenantID, userID string, baseline types.Tier) (bool, types.Tier, Info) {
	st := m.tenantStateFor(tenantID)

	st.mu.Lock()
	cfg := st.config
	rolledBack := st.rolledBack
	st.mu.Unlock()

	bucketValue := stableBucket(tenantID, userID)
	info := Info{BucketValue: bucketValue, RolledBack: rolledBack}

	if rolledBack || cfg.CanaryFraction <= 0 {
		return false, baseline, info
	}

	if bucketValue >= cfg.CanaryFraction {
		return false, baseline, info
	}

	return true, cfg.ResolvedCanaryTier(baseline), info
}

// RecordOutcome feeds a canary outcome sample into the rolling window. A
// sample whose quality is below quality_floor counts as a failure;
// latencyMS is not used. Breaching rollback_threshold over at least min_samples within
// evaluation_window_s atomically zeroes canary_fraction for the tenant
// until an operator resets it.
func (m *Manager) RecordOutcome(ctx context.Context, tenantID string, success bool, latencyMS float64, quality float64) {
	st := m.tenantStateFor(tenantID)

	st.mu.Lock()
	cfg := st.config
	effectiveSuccess := success && quality >= cfg.QualityFloor

	now := m.clock.Now()
	st.window = append(st.window, outcome{at: now, success: effectiveSuccess})
	cutoff := now.Add(-time.Duration(cfg.EvaluationWindowS) * time.Second)
	st.window = pruneBefore(st.window, cutoff)

	shouldRollback := false
	if len(st.window) >= cfg.MinSamples && cfg.MinSamples > 0 {
		successRate := successRateOf(st.window)
		if successRate < cfg.RollbackThreshold {
			shouldRollback = true
			st.rolledBack = true
		}
	}
	st.mu.Unlock()

	if shouldRollback {
		m.rollback(ctx, tenantID)
	}
}

func pruneBefore(window []outcome, cutoff time.Time) []outcome {
	kept := window[:0]
	for _, o := range window {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	return kept
}

func successRateOf(window []outcome) float64 {
	if len(window) == 0 {
		return 1.0
	}
	successes := 0
	for _, o := range window {
		if o.success {
			successes++
		}
	}
	return float64(successes) / float64(len(window))
}

// rollback writes canary_fraction=0 into tenantID's KV hash. Redirects stop
// because of the in-memory rolledBack flag that RecordOutcome sets.
func (m *Manager) rollback(ctx context.Context, tenantID string) {
	if m.store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_ = m.store.HSet(cctx, canaryKey(tenantID), map[string]string{"canary_fraction": "0"})
}

// Reset clears the rollback flag and restores a tenant's configured
// canary_fraction, per the administrative reset contract.
func (m *Manager) Reset(ctx context.Context, tenantID string, cfg types.CanaryConfig) error {
	return m.Configure(ctx, tenantID, cfg)
}

// stableBucket hashes (tenantID, userID) into [0,1) using xxhash, giving a
// deterministic per-user bucket value comparable against canary_fraction.
func stableBucket(tenantID, userID string) float64 {
	h := xxhash.Sum64String(fmt.Sprintf("%s:%s", tenantID, userID))
	return float64(h%1_000_000) / 1_000_000.0
}
