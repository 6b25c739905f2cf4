package bandit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routepilot/gateway/pkg/clock"
	"github.com/routepilot/gateway/pkg/kv"
	"github.com/routepilot/gateway/pkg/routing/bandit"
	"github.com/routepilot/gateway/pkg/routing/types"
)

func TestReward_ClippedToUnitInterval(t *testing.T) {
	require.Equal(t, 0.0, bandit.Reward(10, 10, true))
	require.InDelta(t, 0.70, bandit.Reward(0, 0, false), 1e-9)
	require.Equal(t, 1.0, bandit.Reward(-5, -5, false)) // clipped at 1
}

func TestSelect_ExplorationBelowFloor(t *testing.T) {
	store := kv.NewMemoryStore()
	c := clock.NewFake(time.Unix(0, 0))
	b := bandit.New(store, c)

	_, _, info := b.Select(context.Background(), "tenant-a", types.RouterFeatures{})
	require.True(t, info.Exploration)
	require.Less(t, info.TotalPulls, int64(bandit.ExplorationFloor))
}

func TestSelect_DeterministicWithinSameTimeBucket(t *testing.T) {
	store := kv.NewMemoryStore()
	c := clock.NewFake(time.Unix(100, 0))
	b := bandit.New(store, c)

	tier1, _, _ := b.Select(context.Background(), "tenant-a", types.RouterFeatures{})
	tier2, _, _ := b.Select(context.Background(), "tenant-a", types.RouterFeatures{})
	require.Equal(t, tier1, tier2)
}

func TestUpdate_ConcurrentSameArmNoLostUpdates(t *testing.T) {
	store := kv.NewMemoryStore()
	c := clock.New()
	b := bandit.New(store, c)

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			b.Update(context.Background(), "tenant-a", types.TierA, 0.1, 0.1, false)
		}()
	}
	wg.Wait()

	// Force every pending update to flush and verify persisted pulls.
	for i := 0; i < bandit.FlushEvery; i++ {
		b.Update(context.Background(), "tenant-a", types.TierA, 0.1, 0.1, false)
	}

	fields, err := store.HGetAll(context.Background(), "router:bandit:tenant-a:A")
	require.NoError(t, err)
	require.NotEmpty(t, fields)
}

func TestReset_ClearsArm(t *testing.T) {
	store := kv.NewMemoryStore()
	c := clock.New()
	b := bandit.New(store, c)

	for i := 0; i < bandit.FlushEvery; i++ {
		b.Update(context.Background(), "tenant-a", types.TierB, 0, 0, false)
	}
	require.NoError(t, b.Reset(context.Background(), "tenant-a"))

	fields, err := store.HGetAll(context.Background(), "router:bandit:tenant-a:B")
	require.NoError(t, err)
	require.Empty(t, fields)
}
