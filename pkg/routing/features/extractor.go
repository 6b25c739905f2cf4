// Package features implements the Feature Extractor: a pure
// function of a request envelope plus bounded tenant-state reads that
// derives a fixed-shape RouterFeatures record.
package features

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/routepilot/gateway/internal/observability"
	"github.com/routepilot/gateway/pkg/clock"
	"github.com/routepilot/gateway/pkg/kv"
	"github.com/routepilot/gateway/pkg/routing/types"
)

// kvTimeout bounds every tenant-state read so a slow store can't blow the
// routing deadline.
const kvTimeout = 200 * time.Millisecond

// Extractor derives RouterFeatures from a RequestEnvelope. It never mutates
// tenant state; callers decide separately whether to record the message
// into history via TenantStateReader.RecordMessage.
type Extractor struct {
	cache  kv.Store
	state  TenantStateReader
	clock  clock.Clock
	logger *observability.Logger
}

// NewExtractor constructs a Feature Extractor. cache and state may be the
// same underlying KV store wrapped differently, or distinct stores.
func NewExtractor(cache kv.Store, state TenantStateReader, c clock.Clock, logger *observability.Logger) *Extractor {
	return &Extractor{cache: cache, state: state, clock: c, logger: logger}
}

// cacheKeyPrefix namespaces the feature cache within the shared KV store.
const cacheKeyPrefix = "router:features:cache:"

// Extract computes the RouterFeatures for envelope, consulting the cache
// first. A cache miss always produces the same result a cache hit would
// have returned, since the underlying computation is a pure function of
// envelope plus a bounded tenant-state snapshot. Any failure reading
// tenant state is absorbed and neutral defaults are substituted; Extract
// itself never returns an error.
func (e *Extractor) Extract(ctx context.Context, envelope types.RequestEnvelope) types.RouterFeatures {
	hash := envelopeHash(envelope)

	if e.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, kvTimeout)
		raw, err := e.cache.Get(cctx, cacheKeyPrefix+hash)
		cancel()
		if err == nil {
			var cached types.RouterFeatures
			if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
				return cached
			}
		}
	}

	f := e.compute(ctx, envelope)

	if e.cache != nil {
		if raw, err := json.Marshal(f); err == nil {
			cctx, cancel := context.WithTimeout(ctx, kvTimeout)
			_ = e.cache.Set(cctx, cacheKeyPrefix+hash, string(raw), CacheTTLSeconds*time.Second)
			cancel()
		}
	}

	return f
}

func (e *Extractor) compute(ctx context.Context, envelope types.RequestEnvelope) types.RouterFeatures {
	now := e.clock.Now()

	tokenCount := tokenCountOf(envelope.Message)
	schemaStrictness := schemaStrictnessOf(envelope.Metadata)
	flags := domainFlags(envelope.Message)

	novelty := e.noveltyScore(ctx, envelope)
	failureRate := e.failureRate(ctx, envelope)
	userTier := e.userTier(ctx, envelope)

	complexity := requestComplexity(envelope.Message, tokenCount, envelope.Metadata)

	return types.RouterFeatures{
		TokenCount:            tokenCount,
		SchemaStrictness:      schemaStrictness,
		DomainFlags:           flags,
		NoveltyScore:          novelty,
		HistoricalFailureRate: failureRate,
		UserTier:              userTier,
		TimeOfDay:             now.Hour(),
		DayOfWeek:             int(now.Weekday()),
		RequestComplexity:     complexity,
	}
}

// tokenCountOf approximates token count as ceil(len(message)/4), floored at 1.
func tokenCountOf(message string) int {
	n := len([]rune(message))
	count := int(math.Ceil(float64(n) / 4.0))
	if count < 1 {
		return 1
	}
	return count
}

// schemaStrictnessOf implements the four additive +0.25 signals clamped to
// [0,1].
func schemaStrictnessOf(metadata map[string]any) float64 {
	var score float64
	if _, ok := metadata["schema"]; ok {
		score += 0.25
	}
	if _, ok := metadata["json"]; ok {
		score += 0.25
	}
	if _, ok := metadata["validation"]; ok {
		score += 0.25
	}
	if _, ok := metadata["constraints"]; ok {
		score += 0.25
	}
	if score > 1 {
		score = 1
	}
	return score
}

// noveltyScore is 1 minus the maximum Jaccard similarity between the
// message's token set and each of the tenant's recent messages.
func (e *Extractor) noveltyScore(ctx context.Context, envelope types.RequestEnvelope) float64 {
	if e.state == nil {
		return 1.0
	}
	sctx, cancel := context.WithTimeout(ctx, kvTimeout)
	history, err := e.state.RecentMessages(sctx, envelope.TenantID)
	cancel()
	if err != nil || len(history) == 0 {
		return 1.0
	}

	target := tokenSet(envelope.Message)
	maxSim := 0.0
	for _, prior := range history {
		sim := jaccard(target, tokenSet(prior))
		if sim > maxSim {
			maxSim = sim
		}
	}
	return 1.0 - maxSim
}

func tokenSet(message string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(message))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func (e *Extractor) failureRate(ctx context.Context, envelope types.RequestEnvelope) float64 {
	if e.state == nil {
		return DefaultFailureRate
	}
	sctx, cancel := context.WithTimeout(ctx, kvTimeout)
	rate, ok, err := e.state.UserFailureRate(sctx, envelope.TenantID, envelope.UserID)
	cancel()
	if err == nil && ok {
		return rate
	}

	sctx2, cancel2 := context.WithTimeout(ctx, kvTimeout)
	rate, ok, err = e.state.TenantFailureRate(sctx2, envelope.TenantID)
	cancel2()
	if err == nil && ok {
		return rate
	}

	return DefaultFailureRate
}

func (e *Extractor) userTier(ctx context.Context, envelope types.RequestEnvelope) types.UserTier {
	if e.state == nil {
		return types.UserStandard
	}
	sctx, cancel := context.WithTimeout(ctx, kvTimeout)
	tier, err := e.state.UserTier(sctx, envelope.TenantID, envelope.UserID)
	cancel()
	if err == nil && tier != "" {
		return types.UserTier(tier)
	}

	sctx2, cancel2 := context.WithTimeout(ctx, kvTimeout)
	tier, err = e.state.TenantDefaultUserTier(sctx2, envelope.TenantID)
	cancel2()
	if err == nil && tier != "" {
		return types.UserTier(tier)
	}

	return types.UserStandard
}

// requestComplexity combines normalized token length, metadata field depth,
// and structural fan-out using the fixed weights in weights.go.
func requestComplexity(message string, tokenCount int, metadata map[string]any) float64 {
	normalizedLength := math.Min(float64(tokenCount)/ComplexityLengthScale, 1.0)
	depth := float64(maxDepth(metadata, 0)) / 5.0
	if depth > 1 {
		depth = 1
	}
	fanout := float64(fieldFanout(metadata)) / 20.0
	if fanout > 1 {
		fanout = 1
	}

	score := WeightTokenLength*normalizedLength +
		WeightFieldDepth*depth +
		WeightStructuralFanout*fanout

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

func maxDepth(v any, current int) int {
	m, ok := v.(map[string]any)
	if !ok {
		return current
	}
	best := current
	for _, child := range m {
		if d := maxDepth(child, current+1); d > best {
			best = d
		}
	}
	return best
}

func fieldFanout(metadata map[string]any) int {
	total := len(metadata)
	for _, v := range metadata {
		if m, ok := v.(map[string]any); ok {
			total += len(m)
		}
	}
	return total
}

// envelopeHash is the SHA-256 hash of the stable, sorted-key serialization
// of envelope, truncated to 16 hex chars.
func envelopeHash(envelope types.RequestEnvelope) string {
	keys := make([]string, 0, len(envelope.Metadata))
	for k := range envelope.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(envelope.TenantID)
	b.WriteByte(0)
	b.WriteString(envelope.UserID)
	b.WriteByte(0)
	b.WriteString(envelope.Message)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		if raw, err := json.Marshal(envelope.Metadata[k]); err == nil {
			b.Write(raw)
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}
