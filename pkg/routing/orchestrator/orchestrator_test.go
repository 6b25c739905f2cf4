package orchestrator_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routepilot/gateway/pkg/clock"
	"github.com/routepilot/gateway/pkg/kv"
	"github.com/routepilot/gateway/pkg/routing/bandit"
	"github.com/routepilot/gateway/pkg/routing/canary"
	"github.com/routepilot/gateway/pkg/routing/classifier"
	"github.com/routepilot/gateway/pkg/routing/features"
	"github.com/routepilot/gateway/pkg/routing/orchestrator"
	"github.com/routepilot/gateway/pkg/routing/types"
)

func newOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	store := kv.NewMemoryStore()
	c := clock.NewFake(time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC))
	state := features.NewKVTenantState(store)
	extractor := features.NewExtractor(store, state, c, nil)
	cls := classifier.New(nil)
	bdt := bandit.New(store, c)
	cny := canary.New(store, c)

	return orchestrator.New(extractor, cls, bdt, cny, nil, nil, nil, c, nil, nil)
}

// TestRoute_EasyRequestEarlyExit checks that a low-complexity, well-formed
// request exits on the cheapest tier with EARLY_EXIT and high confidence.
func TestRoute_EasyRequestEarlyExit(t *testing.T) {
	o := newOrchestrator(t)
	envelope := types.RequestEnvelope{
		TenantID: "t1",
		UserID:   "u1",
		Message:  "ok",
		Metadata: map[string]any{
			"schema":      map[string]any{},
			"json":        map[string]any{},
			"validation":  map[string]any{},
			"constraints": map[string]any{},
		},
	}

	decision := o.Route(context.Background(), envelope)
	require.Equal(t, types.TierA, decision.Tier)
	require.Equal(t, types.ReasonEarlyExit, decision.ReasonCode)
	require.GreaterOrEqual(t, decision.Confidence, 0.9)
}

// TestRoute_ShortMessageYieldsValidTier checks that a short, metadata-free
// request comes out of the full orchestrator path with one of tiers A-C.
func TestRoute_ShortMessageYieldsValidTier(t *testing.T) {
	o := newOrchestrator(t)
	envelope := types.RequestEnvelope{
		TenantID: "t1",
		Message:  "short",
	}

	decision := o.Route(context.Background(), envelope)
	require.True(t, decision.Tier.Valid())
}

// TestRoute_LongUnstructuredMessageEscalates checks that a long, metadata-
// free technical message lands on a paid tier with an escalation reason,
// rather than NONE, since it can't lean on structured metadata signals.
func TestRoute_LongUnstructuredMessageEscalates(t *testing.T) {
	o := newOrchestrator(t)
	envelope := types.RequestEnvelope{
		TenantID: "t1",
		UserID:   "u1",
		Message:  strings.Repeat("a", 2000),
		Metadata: map[string]any{},
	}

	decision := o.Route(context.Background(), envelope)
	require.Contains(t, []types.Tier{types.TierB, types.TierC}, decision.Tier)
	require.Contains(t, []types.ReasonCode{types.ReasonComplexityHigh, types.ReasonConfidenceLow}, decision.ReasonCode)
}

func TestRoute_NeverPropagatesError(t *testing.T) {
	o := orchestrator.New(nil, nil, nil, nil, nil, nil, nil, clock.New(), nil, nil)
	decision := o.Route(context.Background(), types.RequestEnvelope{TenantID: "t1", Message: "x"})
	require.Equal(t, types.TierB, decision.Tier)
	require.Equal(t, types.ReasonFallback, decision.ReasonCode)
}

func TestRecordOutcome_RoutedDecisionDoesNotPanic(t *testing.T) {
	o := newOrchestrator(t)
	envelope := types.RequestEnvelope{TenantID: "t1", UserID: "u1", Message: "hello there friend"}
	decision := o.Route(context.Background(), envelope)

	require.NotPanics(t, func() {
		o.RecordOutcome(context.Background(), decision, true, 120, 0.9, 0.01, false)
	})
}
