package canary_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routepilot/gateway/pkg/clock"
	"github.com/routepilot/gateway/pkg/kv"
	"github.com/routepilot/gateway/pkg/routing/canary"
	"github.com/routepilot/gateway/pkg/routing/types"
)

func TestMaybeRedirect_DeterministicPerUser(t *testing.T) {
	store := kv.NewMemoryStore()
	c := clock.New()
	m := canary.New(store, c)
	require.NoError(t, m.Configure(context.Background(), "t1", types.CanaryConfig{CanaryFraction: 0.5}))

	is1, tier1, _ := m.MaybeRedirect(context.Background(), "t1", "u1", types.TierA)
	is2, tier2, _ := m.MaybeRedirect(context.Background(), "t1", "u1", types.TierA)
	require.Equal(t, is1, is2)
	require.Equal(t, tier1, tier2)
}

func TestMaybeRedirect_ZeroFractionNeverFires(t *testing.T) {
	store := kv.NewMemoryStore()
	c := clock.New()
	m := canary.New(store, c)
	require.NoError(t, m.Configure(context.Background(), "t1", types.CanaryConfig{CanaryFraction: 0}))

	isCanary, tier, _ := m.MaybeRedirect(context.Background(), "t1", "u1", types.TierB)
	require.False(t, isCanary)
	require.Equal(t, types.TierB, tier)
}

func TestMaybeRedirect_DefaultsToBaselinePlusOne(t *testing.T) {
	store := kv.NewMemoryStore()
	c := clock.New()
	m := canary.New(store, c)
	require.NoError(t, m.Configure(context.Background(), "t1", types.CanaryConfig{CanaryFraction: 1.0}))

	isCanary, tier, _ := m.MaybeRedirect(context.Background(), "t1", "u1", types.TierA)
	require.True(t, isCanary)
	require.Equal(t, types.TierB, tier)
}

func TestRecordOutcome_RollsBackBelowThreshold(t *testing.T) {
	store := kv.NewMemoryStore()
	fixed := clock.NewFake(time.Unix(1000, 0))
	m := canary.New(store, fixed)

	cfg := types.CanaryConfig{
		CanaryFraction:    0.5,
		MinSamples:        20,
		EvaluationWindowS: 60,
		RollbackThreshold: 0.5,
	}
	require.NoError(t, m.Configure(context.Background(), "t1", cfg))

	for i := 0; i < 20; i++ {
		m.RecordOutcome(context.Background(), "t1", false, 100, 1.0)
	}

	isCanary, _, info := m.MaybeRedirect(context.Background(), "t1", "u1", types.TierA)
	require.False(t, isCanary)
	require.True(t, info.RolledBack)
}

func TestRecordOutcome_QualityBelowFloorCountsAsFailure(t *testing.T) {
	store := kv.NewMemoryStore()
	fixed := clock.NewFake(time.Unix(1000, 0))
	m := canary.New(store, fixed)

	cfg := types.CanaryConfig{
		CanaryFraction:    0.5,
		QualityFloor:      0.8,
		MinSamples:        5,
		EvaluationWindowS: 60,
		RollbackThreshold: 0.9,
	}
	require.NoError(t, m.Configure(context.Background(), "t1", cfg))

	for i := 0; i < 5; i++ {
		m.RecordOutcome(context.Background(), "t1", true, 50, 0.1) // low quality -> failure
	}

	_, _, info := m.MaybeRedirect(context.Background(), "t1", "u1", types.TierA)
	require.True(t, info.RolledBack)
}
