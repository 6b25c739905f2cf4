// Package bandit implements the Contextual Bandit: a UCB1-style
// per-tenant, per-tier arm selector with reward feedback persisted to the
// KV store.
package bandit

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/routepilot/gateway/pkg/clock"
	"github.com/routepilot/gateway/pkg/kv"
	"github.com/routepilot/gateway/pkg/routing/types"
)

// ExplorationFloor is the total-pulls threshold below which tier selection
// is uniform random instead of UCB1 .
const ExplorationFloor = 30

// Reward-model weights. Fixed constants, not configuration.
const (
	SuccessWeight = 0.70
	LatencyPenalty = 0.20
	CostPenalty    = 0.10
)

// FlushEvery bounds how many updates accumulate before a forced persist.
const FlushEvery = 32

// FlushInterval bounds how long updates accumulate before a forced persist.
const FlushInterval = 5 * time.Second

var tiers = []types.Tier{types.TierA, types.TierB, types.TierC}

// Info carries diagnostic detail about a selection for logging/tracing.
type Info struct {
	Exploration bool
	TotalPulls  int64
	UCBScores   map[types.Tier]float64
}

// arm is the in-memory mirror of BanditArmStats plus a dirty counter used
// to decide when to flush.
type arm struct {
	mu        sync.Mutex
	stats     types.BanditArmStats
	dirty     int
	lastFlush time.Time

	// pending* track the delta accumulated since the last successful flush,
	// used by the atomic Lua-script flush path (see ArmFlusher below).
	pendingPulls      int64
	pendingRewardSum  float64
	pendingRewardSqSum float64
}

// ArmFlusher is implemented by KV stores that can atomically accumulate
// arm-stats deltas (e.g. via a Lua script), avoiding a lost-update race when
// multiple process instances flush the same tenant arm concurrently. Stores
// without this capability fall back to a plain HSet of the full snapshot.
type ArmFlusher interface {
	FlushArmDelta(ctx context.Context, key string, pullsDelta int64, rewardSumDelta, rewardSqSumDelta float64) (pulls int64, rewardSum, rewardSqSum float64, err error)
}

// Bandit selects and updates per-tenant, per-tier reward arms. Updates to
// the same (tenant, tier) arm serialize through the arm's own mutex;
// different tenants and different tiers proceed independently.
type Bandit struct {
	store kv.Store
	clock clock.Clock

	mu   sync.Mutex
	arms map[string]*arm // "tenant:tier" -> arm
}

// New constructs a Bandit backed by store for persistence.
func New(store kv.Store, c clock.Clock) *Bandit {
	return &Bandit{store: store, clock: c, arms: make(map[string]*arm)}
}

func armKey(tenantID string, tier types.Tier) string {
	return tenantID + ":" + tier.String()
}

// kvArmKey namespaces a tenant/tier arm's key within the shared KV store.
func kvArmKey(tenantID string, tier types.Tier) string {
	return "router:bandit:" + tenantID + ":" + tier.String()
}

func (b *Bandit) getOrLoadArm(ctx context.Context, tenantID string, tier types.Tier) *arm {
	key := armKey(tenantID, tier)

	b.mu.Lock()
	a, ok := b.arms[key]
	if !ok {
		a = &arm{lastFlush: b.clock.Now()}
		b.arms[key] = a
	}
	b.mu.Unlock()

	if !ok {
		b.loadFromStore(ctx, tenantID, tier, a)
	}
	return a
}

func (b *Bandit) loadFromStore(ctx context.Context, tenantID string, tier types.Tier, a *arm) {
	if b.store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	fields, err := b.store.HGetAll(cctx, kvArmKey(tenantID, tier))
	if err != nil || len(fields) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats = statsFromFields(fields)
}

// Select implements UCB1-style selection with a uniform-random exploration
// phase seeded deterministically by (tenant_id, time_bucket).
func (b *Bandit) Select(ctx context.Context, tenantID string, features types.RouterFeatures) (types.Tier, float64, Info) {
	arms := make(map[types.Tier]*arm, len(tiers))
	var total int64
	for _, t := range tiers {
		a := b.getOrLoadArm(ctx, tenantID, t)
		a.mu.Lock()
		total += a.stats.Pulls
		arms[t] = a
		a.mu.Unlock()
	}

	if total < ExplorationFloor {
		seed := explorationSeed(tenantID, b.clock.Now())
		tier := tiers[seed%uint64(len(tiers))]
		a := arms[tier]
		a.mu.Lock()
		ev := a.stats.MeanReward()
		a.mu.Unlock()
		return tier, ev, Info{Exploration: true, TotalPulls: total}
	}

	for _, t := range tiers {
		a := arms[t]
		a.mu.Lock()
		pulls := a.stats.Pulls
		a.mu.Unlock()
		if pulls == 0 {
			return t, 0, Info{Exploration: false, TotalPulls: total}
		}
	}

	var best types.Tier
	bestScore := math.Inf(-1)
	scores := make(map[types.Tier]float64, len(tiers))
	for _, t := range tiers {
		a := arms[t]
		a.mu.Lock()
		mean := a.stats.MeanReward()
		pulls := a.stats.Pulls
		a.mu.Unlock()

		ucb := mean + math.Sqrt(2*math.Log(float64(total))/float64(pulls))
		scores[t] = ucb
		if ucb > bestScore {
			bestScore = ucb
			best = t
		}
	}

	a := arms[best]
	a.mu.Lock()
	ev := a.stats.MeanReward()
	a.mu.Unlock()

	return best, ev, Info{Exploration: false, TotalPulls: total, UCBScores: scores}
}

// Update applies a reward observation to the (tenantID, tier) arm. Reward is
// computed from the fixed weights and clipped to [0,1] before storage.
func (b *Bandit) Update(ctx context.Context, tenantID string, tier types.Tier, normalizedLatency, normalizedCost float64, failed bool) float64 {
	reward := Reward(normalizedLatency, normalizedCost, failed)

	a := b.getOrLoadArm(ctx, tenantID, tier)

	a.mu.Lock()
	a.stats.Pulls++
	a.stats.CumulativeReward += reward
	a.stats.SquaredReward += reward * reward
	a.dirty++
	a.pendingPulls++
	a.pendingRewardSum += reward
	a.pendingRewardSqSum += reward * reward
	shouldFlush := a.dirty >= FlushEvery || b.clock.Now().Sub(a.lastFlush) >= FlushInterval
	var pullsDelta int64
	var rewardSumDelta, rewardSqSumDelta float64
	if shouldFlush {
		pullsDelta, rewardSumDelta, rewardSqSumDelta = a.pendingPulls, a.pendingRewardSum, a.pendingRewardSqSum
		a.dirty = 0
		a.pendingPulls, a.pendingRewardSum, a.pendingRewardSqSum = 0, 0, 0
		a.lastFlush = b.clock.Now()
	}
	a.mu.Unlock()

	if shouldFlush {
		b.flush(ctx, tenantID, tier, pullsDelta, rewardSumDelta, rewardSqSumDelta)
	}

	return reward
}

// Reward computes the reward model: success weight minus latency/cost
// penalties, clipped to [0,1].
func Reward(normalizedLatency, normalizedCost float64, failed bool) float64 {
	success := 1.0
	if failed {
		success = 0.0
	}
	reward := SuccessWeight*success - LatencyPenalty*normalizedLatency - CostPenalty*normalizedCost
	if reward < 0 {
		return 0
	}
	if reward > 1 {
		return 1
	}
	return reward
}

func (b *Bandit) flush(ctx context.Context, tenantID string, tier types.Tier, pullsDelta int64, rewardSumDelta, rewardSqSumDelta float64) {
	if b.store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	key := kvArmKey(tenantID, tier)
	if flusher, ok := b.store.(ArmFlusher); ok {
		_, _, _, _ = flusher.FlushArmDelta(cctx, key, pullsDelta, rewardSumDelta, rewardSqSumDelta)
		return
	}

	// Fallback for stores without atomic delta accumulation: read-modify-write.
	existing, err := b.store.HGetAll(cctx, key)
	var snapshot types.BanditArmStats
	if err == nil {
		snapshot = statsFromFields(existing)
	}
	snapshot.Pulls += pullsDelta
	snapshot.CumulativeReward += rewardSumDelta
	snapshot.SquaredReward += rewardSqSumDelta
	_ = b.store.HSet(cctx, key, fieldsFromStats(snapshot))
}

// Reset clears the tenant's arm stats for every tier, both in memory and in
// the KV store. Used only
// by the explicit administrative reset_learning operation.
func (b *Bandit) Reset(ctx context.Context, tenantID string) error {
	b.mu.Lock()
	for _, t := range tiers {
		delete(b.arms, armKey(tenantID, t))
	}
	b.mu.Unlock()

	if b.store == nil {
		return nil
	}
	for _, t := range tiers {
		if err := b.store.Del(ctx, kvArmKey(tenantID, t)); err != nil {
			return err
		}
	}
	return nil
}

// explorationSeed derives a reproducible pseudo-random value from the
// tenant ID and a coarse time bucket, so repeated exploration picks within
// the same minute are deterministic across replicas.
func explorationSeed(tenantID string, now time.Time) uint64 {
	bucket := now.Unix() / 60 // 1-minute buckets
	h := sha256.New()
	h.Write([]byte(tenantID))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(bucket))
	h.Write(buf[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}
