// Package classifier implements the Calibrated Classifier: a
// primary, opaque per-tenant model with a deterministic fallback used
// whenever no model is loaded or the model signals low confidence.
package classifier

import (
	"math"

	"github.com/routepilot/gateway/pkg/routing/types"
)

// Model is the opaque primary classification model. Implementations may
// substitute any calibrated model; this package ships no concrete model,
// only the deterministic fallback and the interface it can be layered under.
type Model interface {
	// Classify returns a tier and confidence for the given features. A
	// confidence below modelConfidenceFloor triggers the deterministic
	// fallback.
	Classify(tenantID string, features types.RouterFeatures) (tier types.Tier, confidence float64, ok bool)
}

// Calibrator is an optional capability a primary Model may implement to
// support the administrative calibrate(tenant_id) operation. Models that
// don't need recalibration simply don't implement it.
type Calibrator interface {
	Calibrate(tenantID string) error
}

// modelConfidenceFloor is the threshold below which the primary model's
// output is discarded in favor of the deterministic fallback.
const modelConfidenceFloor = 0.5

// escalateConfidenceFloor is the threshold below which should_escalate is
// signaled.
const escalateConfidenceFloor = 0.6

// Fallback score-to-tier boundaries.
const (
	boundaryAB = 0.33
	boundaryBC = 0.66
)

// tieEpsilon is the tolerance for boundary ties.
const tieEpsilon = 1e-9

// Classifier composes an optional primary Model with the mandatory
// deterministic fallback.
type Classifier struct {
	model Model
}

// New constructs a Classifier. model may be nil, in which case the fallback
// always applies.
func New(model Model) *Classifier {
	return &Classifier{model: model}
}

// Classify returns (tier, confidence, should_escalate), preferring the
// primary model and falling back to the deterministic scorer when the
// model is absent or under-confident.
func (c *Classifier) Classify(tenantID string, f types.RouterFeatures) (types.Tier, float64, bool) {
	if c.model != nil {
		if tier, confidence, ok := c.model.Classify(tenantID, f); ok && confidence >= modelConfidenceFloor {
			return tier, confidence, confidence < escalateConfidenceFloor
		}
	}
	return Fallback(f)
}

// Calibrate recalibrates the primary model for tenantID if it implements
// Calibrator. A no-op when no primary model is configured or the model
// doesn't support recalibration.
func (c *Classifier) Calibrate(tenantID string) error {
	if cal, ok := c.model.(Calibrator); ok {
		return cal.Calibrate(tenantID)
	}
	return nil
}

// Fallback computes the deterministic classifier fallback. It is exported
// so the orchestrator and tests can invoke it directly, bypassing any
// primary model, to verify bit-for-bit determinism.
func Fallback(f types.RouterFeatures) (types.Tier, float64, bool) {
	score := fallbackScore(f)
	tier, boundary := scoreToTier(score)
	confidence := 1 - math.Min(math.Abs(score-boundary), 0.5)*2
	shouldEscalate := confidence < escalateConfidenceFloor
	return tier, confidence, shouldEscalate
}

func fallbackScore(f types.RouterFeatures) float64 {
	normalizedTokens := math.Min(float64(f.TokenCount)/1000.0, 1.0)
	return 0.30*f.RequestComplexity +
		0.25*normalizedTokens +
		0.20*(1-f.SchemaStrictness) +
		0.15*f.NoveltyScore +
		0.10*f.HistoricalFailureRate
}

// scoreToTier maps a fallback score to a tier and returns the boundary
// value closest to the score (for confidence computation). Ties
// (|score-boundary| < tieEpsilon) resolve toward the cheaper tier.
func scoreToTier(score float64) (types.Tier, float64) {
	if score < boundaryAB || math.Abs(score-boundaryAB) < tieEpsilon {
		return types.TierA, boundaryAB
	}
	if score < boundaryBC || math.Abs(score-boundaryBC) < tieEpsilon {
		if score-boundaryAB < boundaryBC-score {
			return types.TierB, boundaryAB
		}
		return types.TierB, boundaryBC
	}
	return types.TierC, boundaryBC
}

// FeatureHash derives a deterministic hash of the nine RouterFeatures
// fields, rounding floats to 6 decimals, to let tests prove fallback
// determinism across processes without relying on struct equality alone.
func FeatureHash(f types.RouterFeatures) string {
	round := func(v float64) float64 {
		return math.Round(v*1e6) / 1e6
	}

	var b []byte
	appendFloat := func(v float64) {
		b = append(b, []byte(formatFloat(round(v)))...)
		b = append(b, ',')
	}

	b = append(b, []byte(formatInt(f.TokenCount))...)
	b = append(b, ',')
	appendFloat(f.SchemaStrictness)
	for _, flag := range f.DomainFlags {
		b = append(b, []byte(flag)...)
		b = append(b, ';')
	}
	b = append(b, ',')
	appendFloat(f.NoveltyScore)
	appendFloat(f.HistoricalFailureRate)
	b = append(b, []byte(f.UserTier)...)
	b = append(b, ',')
	b = append(b, []byte(formatInt(f.TimeOfDay))...)
	b = append(b, ',')
	b = append(b, []byte(formatInt(f.DayOfWeek))...)
	b = append(b, ',')
	appendFloat(f.RequestComplexity)

	return hashBytes(b)
}
