package escalation_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/routepilot/gateway/pkg/routing/escalation"
	"github.com/routepilot/gateway/pkg/routing/types"
)

func TestDecide_EarlyExit(t *testing.T) {
	f := types.RouterFeatures{
		SchemaStrictness:  0.95,
		RequestComplexity: 0.1,
		TokenCount:        20,
	}
	d := escalation.Decide(f, types.TierB, 0.9, escalation.TenantPolicy{})
	require.Equal(t, types.TierA, d.TargetTier)
	require.False(t, d.ShouldEscalate)
	require.Equal(t, types.ReasonEarlyExit, d.ReasonCode)
}

func TestDecide_EarlyExitBlockedByTenantPolicy(t *testing.T) {
	f := types.RouterFeatures{
		SchemaStrictness:  0.95,
		RequestComplexity: 0.1,
		TokenCount:        20,
	}
	d := escalation.Decide(f, types.TierB, 0.9, escalation.TenantPolicy{ForbidEarlyExit: true})
	require.NotEqual(t, types.ReasonEarlyExit, d.ReasonCode)
}

func TestDecide_EscalatesOnLowConfidence(t *testing.T) {
	f := types.RouterFeatures{RequestComplexity: 0.5}
	d := escalation.Decide(f, types.TierA, 0.4, escalation.TenantPolicy{})
	require.True(t, d.ShouldEscalate)
	require.Equal(t, types.TierB, d.TargetTier)
	require.Equal(t, types.ReasonConfidenceLow, d.ReasonCode)
}

func TestDecide_EscalatesOnHighComplexity(t *testing.T) {
	f := types.RouterFeatures{RequestComplexity: 0.9}
	d := escalation.Decide(f, types.TierB, 0.9, escalation.TenantPolicy{})
	require.True(t, d.ShouldEscalate)
	require.Equal(t, types.ReasonComplexityHigh, d.ReasonCode)
}

func TestDecide_TierCNeverEscalatesFurther(t *testing.T) {
	f := types.RouterFeatures{RequestComplexity: 0.95}
	d := escalation.Decide(f, types.TierC, 0.9, escalation.TenantPolicy{})
	require.Equal(t, types.TierC, d.TargetTier)
}

func TestDecide_NoneWhenNothingFires(t *testing.T) {
	f := types.RouterFeatures{RequestComplexity: 0.5, HistoricalFailureRate: 0.1}
	d := escalation.Decide(f, types.TierB, 0.9, escalation.TenantPolicy{})
	require.False(t, d.ShouldEscalate)
	require.Equal(t, types.ReasonNone, d.ReasonCode)
}
