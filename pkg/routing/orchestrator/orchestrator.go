// Package orchestrator implements the Router Orchestrator: it
// composes the Feature Extractor, Calibrated Classifier, Contextual Bandit,
// Early-Exit/Escalation Policy and Canary Manager into a single route()
// call, and fans outcome feedback back out to the Bandit and Canary
// Manager.
package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"go.opentelemetry.io/otel/trace"

	"github.com/routepilot/gateway/internal/observability"
	"github.com/routepilot/gateway/pkg/clock"
	"github.com/routepilot/gateway/pkg/routing/bandit"
	"github.com/routepilot/gateway/pkg/routing/canary"
	"github.com/routepilot/gateway/pkg/routing/classifier"
	"github.com/routepilot/gateway/pkg/routing/costdrift"
	"github.com/routepilot/gateway/pkg/routing/escalation"
	"github.com/routepilot/gateway/pkg/routing/features"
	"github.com/routepilot/gateway/pkg/routing/types"
)

// routeDeadline bounds a full route() call.
const routeDeadline = 300 * time.Millisecond

// reconcileConfidenceBand is the confidence-gap threshold below which the
// higher tier wins regardless of which proposer was more confident.
const reconcileConfidenceBand = 0.1

// TenantPolicyProvider resolves per-tenant escalation policy. The default
// NopPolicyProvider imposes no restrictions.
type TenantPolicyProvider interface {
	TenantPolicy(ctx context.Context, tenantID string) escalation.TenantPolicy
}

// NopPolicyProvider returns the zero-value TenantPolicy for every tenant.
type NopPolicyProvider struct{}

func (NopPolicyProvider) TenantPolicy(context.Context, string) escalation.TenantPolicy {
	return escalation.TenantPolicy{}
}

// MetricsSink receives routing-decision metrics. internal/routermetrics
// provides the Prometheus-backed production implementation.
type MetricsSink interface {
	RecordDecision(tenantID string, tier types.Tier, confidence float64, duration time.Duration, reasonCode types.ReasonCode)
	RecordFallback(tenantID string)
	RecordTierDistribution(tenantID string, tier types.Tier)
	RecordCostDrift(tenantID string, costRatio, latencyRatio float64)
}

// nopMetrics is used when no sink is configured.
type nopMetrics struct{}

func (nopMetrics) RecordDecision(string, types.Tier, float64, time.Duration, types.ReasonCode) {}
func (nopMetrics) RecordFallback(string)                                                       {}
func (nopMetrics) RecordTierDistribution(string, types.Tier)                                    {}
func (nopMetrics) RecordCostDrift(string, float64, float64)                                     {}

// TierExpectation is the predicted cost/latency for a tier, used to feed
// the CostDriftDetector when outcomes are recorded.
type TierExpectation = costdrift.Expectation

// Orchestrator composes the routing subcomponents.
type Orchestrator struct {
	extractor  *features.Extractor
	classifier *classifier.Classifier
	bandit     *bandit.Bandit
	canary     *canary.Manager
	costDrift  *costdrift.Detector
	policies   TenantPolicyProvider
	metrics    MetricsSink
	clock      clock.Clock
	logger     *observability.Logger
	tracer     trace.Tracer

	expectations map[types.Tier]TierExpectation
}

// New constructs an Orchestrator. Any of policies, metrics may be nil, in
// which case no-op defaults are used. tracer may be nil to disable spans.
func New(
	extractor *features.Extractor,
	cls *classifier.Classifier,
	bdt *bandit.Bandit,
	cny *canary.Manager,
	drift *costdrift.Detector,
	policies TenantPolicyProvider,
	metrics MetricsSink,
	c clock.Clock,
	logger *observability.Logger,
	tracer trace.Tracer,
) *Orchestrator {
	if policies == nil {
		policies = NopPolicyProvider{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Orchestrator{
		extractor:    extractor,
		classifier:   cls,
		bandit:       bdt,
		canary:       cny,
		costDrift:    drift,
		policies:     policies,
		metrics:      metrics,
		clock:        c,
		logger:       logger,
		tracer:       tracer,
		expectations: make(map[types.Tier]TierExpectation),
	}
}

// SetTierExpectation configures the expected cost/latency for a tier, used
// by RecordOutcome's cost-drift tracking.
func (o *Orchestrator) SetTierExpectation(tier types.Tier, exp TierExpectation) {
	o.expectations[tier] = exp
}

// fallbackDecision is returned whenever any subcomponent errors or the
// routing deadline is exceeded: tier B, mid-confidence, reason "fallback".
func fallbackDecision(envelope types.RequestEnvelope, f types.RouterFeatures) types.RoutingDecision {
	return types.RoutingDecision{
		Tier:       types.TierB,
		Confidence: 0.5,
		ReasonCode: types.ReasonFallback,
		Features:   f,
		TenantID:   envelope.TenantID,
		UserID:     envelope.UserID,
	}
}

// Route executes a single routing decision: extract features, classify,
// consult the bandit, reconcile against escalation policy and canary
// assignment, and fall back cleanly if any step errors or the deadline
// trips.
func (o *Orchestrator) Route(ctx context.Context, envelope types.RequestEnvelope) (decision types.RoutingDecision) {
	start := o.clock.Now()

	ctx, cancel := context.WithTimeout(ctx, routeDeadline)
	defer cancel()

	var span trace.Span
	if o.tracer != nil {
		ctx, span = observability.StartRoutingSpan(ctx, o.tracer, "route", observability.RoutingSpanAttributes{
			TenantID: envelope.TenantID,
			UserID:   envelope.UserID,
		})
		defer span.End()
	}

	f := types.RouterFeatures{}
	defer func() {
		if r := recover(); r != nil {
			decision = fallbackDecision(envelope, f)
			o.metrics.RecordFallback(envelope.TenantID)
		}
		decision.DecisionTimeMS = float64(o.clock.Now().Sub(start).Microseconds()) / 1000.0
		o.metrics.RecordDecision(envelope.TenantID, decision.Tier, decision.Confidence, o.clock.Now().Sub(start), decision.ReasonCode)
		o.metrics.RecordTierDistribution(envelope.TenantID, decision.Tier)
		if span != nil {
			observability.RecordRoutingDecision(span, decision.Tier.String(), decision.Confidence, string(decision.ReasonCode))
		}
	}()

	if o.extractor == nil {
		return fallbackDecision(envelope, f)
	}
	f = o.extractor.Extract(ctx, envelope)

	classifierTier, classifierConf, classifierEscalate := o.classifier.Classify(envelope.TenantID, f)

	var banditTier types.Tier
	var banditEV float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		banditTier, banditEV, _ = o.bandit.Select(gctx, envelope.TenantID, f)
		return nil
	})
	if err := g.Wait(); err != nil {
		return fallbackDecision(envelope, f)
	}
	_ = banditEV

	policy := o.policies.TenantPolicy(ctx, envelope.TenantID)
	escalationDecision := escalation.Decide(f, classifierTier, classifierConf, policy)

	var reconciledTier types.Tier
	var reasonCode types.ReasonCode
	var escalationInfo *types.EscalationDecision

	if escalationDecision.ReasonCode == types.ReasonEarlyExit {
		reconciledTier = escalationDecision.TargetTier
		reasonCode = types.ReasonEarlyExit
		escalationInfo = &escalationDecision
	} else if escalationDecision.ShouldEscalate {
		reconciledTier = escalationDecision.TargetTier
		reasonCode = escalationDecision.ReasonCode
		escalationInfo = &escalationDecision
	} else {
		reconciledTier = reconcile(classifierTier, classifierConf, banditTier, banditEV)
		reasonCode = types.ReasonNone
		if classifierEscalate {
			reasonCode = types.ReasonConfidenceLow
		}
	}

	confidence := classifierConf
	if reasonCode == types.ReasonEarlyExit {
		// Early exit only fires for a high-confidence trivial request; the
		// decision itself is that confident regardless of the classifier's
		// raw score.
		confidence = 1.0
	}

	var canaryInfo *types.CanaryInfo
	if o.canary != nil {
		isCanary, canaryTier, _ := o.canary.MaybeRedirect(ctx, envelope.TenantID, envelope.UserID, reconciledTier)
		if isCanary {
			canaryInfo = &types.CanaryInfo{IsCanary: true, Tier: canaryTier}
			reconciledTier = canaryTier
		}
	}

	if ctx.Err() != nil {
		return fallbackDecision(envelope, f)
	}

	decision = types.RoutingDecision{
		Tier:       reconciledTier,
		Confidence: confidence,
		Features:   f,
		ReasonCode: reasonCode,
		Canary:     canaryInfo,
		Escalation: escalationInfo,
		TenantID:   envelope.TenantID,
		UserID:     envelope.UserID,
		DecidedAt:  o.clock.Now(),
		FeatureHash: classifier.FeatureHash(f),
	}
	return decision
}

// reconcile picks between the classifier's and bandit's proposed tiers: the
// higher tier wins when confidences differ by less than
// reconcileConfidenceBand, otherwise the higher-confidence proposal wins.
// The bandit's "confidence" is its expected value, since the bandit
// contract does not define a calibrated confidence.
func reconcile(classifierTier types.Tier, classifierConf float64, banditTier types.Tier, banditEV float64) types.Tier {
	if banditTier == classifierTier {
		return classifierTier
	}
	diff := classifierConf - banditEV
	if diff < 0 {
		diff = -diff
	}
	if diff < reconcileConfidenceBand {
		if banditTier > classifierTier {
			return banditTier
		}
		return classifierTier
	}
	if banditEV > classifierConf {
		return banditTier
	}
	return classifierTier
}

// RecordOutcome fans a post-execution outcome out to the Bandit and Canary
// Manager, and updates cost-drift tracking. misroute is a caller-supplied
// signal of whether, in retrospect, a different tier would have been
// correct.
func (o *Orchestrator) RecordOutcome(ctx context.Context, decision types.RoutingDecision, success bool, latencyMS float64, quality float64, cost float64, misroute bool) {
	if o.bandit != nil {
		normalizedLatency := latencyMS / 10000.0
		if normalizedLatency > 1 {
			normalizedLatency = 1
		}
		normalizedCost := cost
		if normalizedCost > 1 {
			normalizedCost = 1
		}
		o.bandit.Update(ctx, decision.TenantID, decision.Tier, normalizedLatency, normalizedCost, !success)
	}

	if o.canary != nil && decision.Canary != nil && decision.Canary.IsCanary {
		o.canary.RecordOutcome(ctx, decision.TenantID, success, latencyMS, quality)
	}

	if o.costDrift != nil {
		if exp, ok := o.expectations[decision.Tier]; ok {
			costRatio, latencyRatio, _ := o.costDrift.Observe(decision.TenantID, exp, costdrift.Sample{ActualCost: cost, ActualLatency: latencyMS})
			o.metrics.RecordCostDrift(decision.TenantID, costRatio, latencyRatio)
		}
	}
}
