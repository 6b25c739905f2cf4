package classifier_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/routepilot/gateway/pkg/routing/classifier"
	"github.com/routepilot/gateway/pkg/routing/types"
)

func baseFeatures() types.RouterFeatures {
	return types.RouterFeatures{
		TokenCount:            10,
		SchemaStrictness:      0.5,
		NoveltyScore:          0.5,
		HistoricalFailureRate: 0.1,
		UserTier:              types.UserStandard,
		RequestComplexity:     0.5,
	}
}

func TestFallback_Deterministic(t *testing.T) {
	f := baseFeatures()
	tier1, conf1, esc1 := classifier.Fallback(f)
	tier2, conf2, esc2 := classifier.Fallback(f)

	require.Equal(t, tier1, tier2)
	require.Equal(t, conf1, conf2)
	require.Equal(t, esc1, esc2)
}

func TestFallback_FeatureHashStable(t *testing.T) {
	f := baseFeatures()
	require.Equal(t, classifier.FeatureHash(f), classifier.FeatureHash(f))
}

func TestFallback_MonotonicComplexityToTier(t *testing.T) {
	var last types.Tier = types.TierA
	for i := 0; i <= 10; i++ {
		f := baseFeatures()
		f.RequestComplexity = float64(i) / 10.0
		tier, _, _ := classifier.Fallback(f)
		require.GreaterOrEqual(t, int(tier), int(last), "tier must not decrease as complexity rises")
		last = tier
	}
}

func TestFallback_TieBreaksToCheaperTier(t *testing.T) {
	// score = 0.30*complexity + 0.25*min(tokens/1000,1) + 0.20*(1-strictness)
	//       + 0.15*novelty + 0.10*failure
	// complexity=1 (0.30) + failure=0.3 (0.03), strictness=1 (0 contribution),
	// tokens=0, novelty=0 -> score == 0.33 exactly, the A/B boundary.
	f := types.RouterFeatures{
		TokenCount:            0,
		SchemaStrictness:      1.0,
		NoveltyScore:          0,
		HistoricalFailureRate: 0.3,
		RequestComplexity:     1.0,
	}

	tier, _, _ := classifier.Fallback(f)
	require.Equal(t, types.TierA, tier)
}
