package features_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routepilot/gateway/pkg/clock"
	"github.com/routepilot/gateway/pkg/kv"
	"github.com/routepilot/gateway/pkg/routing/features"
	"github.com/routepilot/gateway/pkg/routing/types"
)

func newExtractor(t *testing.T) (*features.Extractor, kv.Store) {
	t.Helper()
	store := kv.NewMemoryStore()
	state := features.NewKVTenantState(store)
	fixedClock := clock.NewFake(time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC))
	return features.NewExtractor(store, state, fixedClock, nil), store
}

func TestExtract_Deterministic(t *testing.T) {
	extractor, _ := newExtractor(t)
	envelope := types.RequestEnvelope{
		TenantID: "t1",
		UserID:   "u1",
		Message:  "how do I integrate your API webhook?",
		Metadata: map[string]any{"schema": map[string]any{}},
	}

	a := extractor.Extract(context.Background(), envelope)
	b := extractor.Extract(context.Background(), envelope)
	require.Equal(t, a, b)
}

func TestExtract_CacheHitMatchesMiss(t *testing.T) {
	extractor, _ := newExtractor(t)
	envelope := types.RequestEnvelope{TenantID: "t1", Message: "hello there"}

	miss := extractor.Extract(context.Background(), envelope)
	hit := extractor.Extract(context.Background(), envelope)
	require.Equal(t, miss, hit)
}

func TestExtract_EarlyExitShape(t *testing.T) {
	extractor, _ := newExtractor(t)
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

	f := extractor.Extract(context.Background(), envelope)
	require.Equal(t, 1.0, f.SchemaStrictness)
	require.LessOrEqual(t, f.RequestComplexity, 0.15)
	require.LessOrEqual(t, f.TokenCount, 100)
}

func TestExtract_DomainFlags(t *testing.T) {
	extractor, _ := newExtractor(t)
	envelope := types.RequestEnvelope{TenantID: "t1", Message: "I need a refund for my last invoice"}

	f := extractor.Extract(context.Background(), envelope)
	require.Contains(t, f.DomainFlags, "customer-support")
	require.Contains(t, f.DomainFlags, "billing")
}

func TestExtract_NoveltyDefaultsToOneWithoutHistory(t *testing.T) {
	extractor, _ := newExtractor(t)
	envelope := types.RequestEnvelope{TenantID: "t-fresh", Message: "brand new topic never seen"}

	f := extractor.Extract(context.Background(), envelope)
	require.Equal(t, 1.0, f.NoveltyScore)
}

func TestExtract_NoveltyDropsWithRepeatedHistory(t *testing.T) {
	extractor, store := newExtractor(t)
	state := features.NewKVTenantState(store)

	msg := "please help me reset my password"
	require.NoError(t, state.RecordMessage(context.Background(), "t2", msg))

	envelope := types.RequestEnvelope{TenantID: "t2", Message: msg}
	f := extractor.Extract(context.Background(), envelope)
	require.Less(t, f.NoveltyScore, 1.0)
}

func TestExtract_FailureRateFallsBackToDefault(t *testing.T) {
	extractor, _ := newExtractor(t)
	envelope := types.RequestEnvelope{TenantID: "unknown-tenant", Message: "test"}

	f := extractor.Extract(context.Background(), envelope)
	require.Equal(t, features.DefaultFailureRate, f.HistoricalFailureRate)
}
