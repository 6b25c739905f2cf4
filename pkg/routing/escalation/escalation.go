// Package escalation implements the Early-Exit / Escalation Policy: a pure
// function gating trivial requests to the cheapest tier and promoting
// risky ones.
package escalation

import "github.com/routepilot/gateway/pkg/routing/types"

// TenantPolicy carries the per-tenant knobs the policy consults. A zero
// value imposes no additional restriction: early-exit is allowed and no
// forced escalation is requested.
type TenantPolicy struct {
	ForbidEarlyExit  bool
	ForceEscalate    bool
	MaxTokensForExitA int // 0 means "use the default of 100"
}

const (
	defaultMaxTokensA          = 100
	earlyExitSchemaStrictness  = 0.90
	earlyExitMaxComplexity     = 0.15
	escalateConfidenceFloor    = 0.6
	escalateComplexityFloor    = 0.8
	escalateFailureRateFloor   = 0.3
)

// Decide evaluates early-exit first, then escalation. They are mutually
// exclusive.
func Decide(f types.RouterFeatures, candidateTier types.Tier, confidence float64, policy TenantPolicy) types.EscalationDecision {
	maxTokens := policy.MaxTokensForExitA
	if maxTokens == 0 {
		maxTokens = defaultMaxTokensA
	}

	if !policy.ForbidEarlyExit &&
		f.SchemaStrictness >= earlyExitSchemaStrictness &&
		f.RequestComplexity <= earlyExitMaxComplexity &&
		f.TokenCount <= maxTokens {
		return types.EscalationDecision{
			TargetTier:     types.TierA,
			ShouldEscalate: false,
			ReasonCode:     types.ReasonEarlyExit,
		}
	}

	reason, shouldEscalate := escalationReason(f, confidence, policy)
	if !shouldEscalate {
		return types.EscalationDecision{
			TargetTier:     candidateTier,
			ShouldEscalate: false,
			ReasonCode:     types.ReasonNone,
		}
	}

	return types.EscalationDecision{
		TargetTier:     candidateTier.Next(),
		ShouldEscalate: true,
		ReasonCode:     reason,
	}
}

// escalationReason returns the first matching escalation trigger, checked
// in priority order, and whether escalation fires at all.
func escalationReason(f types.RouterFeatures, confidence float64, policy TenantPolicy) (types.ReasonCode, bool) {
	if confidence < escalateConfidenceFloor {
		return types.ReasonConfidenceLow, true
	}
	if f.RequestComplexity >= escalateComplexityFloor {
		return types.ReasonComplexityHigh, true
	}
	if f.HistoricalFailureRate >= escalateFailureRateFloor {
		return types.ReasonHistoricFailure, true
	}
	if policy.ForceEscalate {
		return types.ReasonTenantPolicy, true
	}
	return types.ReasonNone, false
}
