// Package costdrift implements CostDriftDetector, tracking per-tenant
// expected-vs-actual cost and latency drift, grounded on the Python source's
// expected_vs_actual_cost / expected_vs_actual_latency gauges.
package costdrift

import (
	"sync"

	"github.com/routepilot/gateway/pkg/rerrors"
)

// Expectation is the tier executor's predicted cost/latency for a decision,
// supplied by the caller at route() time (e.g. from tier configuration).
type Expectation struct {
	ExpectedCost    float64
	ExpectedLatency float64
}

// Sample is the observed cost/latency once the tier execution completes.
type Sample struct {
	ActualCost    float64
	ActualLatency float64
}

// tenantDrift accumulates a rolling mean drift ratio per tenant.
type tenantDrift struct {
	mu            sync.Mutex
	costRatio     float64
	latencyRatio  float64
	samples       int
}

const driftSmoothing = 0.2 // exponential moving average weight for new samples

// Detector tracks per-tenant expected-vs-actual drift and signals a
// PolicyViolation-kind error when drift exceeds threshold.
type Detector struct {
	mu        sync.Mutex
	tenants   map[string]*tenantDrift
	threshold float64
}

// NewDetector constructs a Detector. threshold is the drift ratio (actual /
// expected) above which a PolicyViolation signal fires; e.g. 1.5 means
// "actual cost/latency 50% over expectation".
func NewDetector(threshold float64) *Detector {
	return &Detector{tenants: make(map[string]*tenantDrift), threshold: threshold}
}

func (d *Detector) stateFor(tenantID string) *tenantDrift {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.tenants[tenantID]
	if !ok {
		st = &tenantDrift{costRatio: 1.0, latencyRatio: 1.0}
		d.tenants[tenantID] = st
	}
	return st
}

// Observe records one expected/actual pair and returns the updated cost and
// latency drift ratios (actual/expected, smoothed), plus a non-nil error
// when either ratio exceeds threshold.
func (d *Detector) Observe(tenantID string, exp Expectation, sample Sample) (costRatio, latencyRatio float64, err error) {
	st := d.stateFor(tenantID)

	st.mu.Lock()
	defer st.mu.Unlock()

	if exp.ExpectedCost > 0 {
		st.costRatio = ema(st.costRatio, sample.ActualCost/exp.ExpectedCost)
	}
	if exp.ExpectedLatency > 0 {
		st.latencyRatio = ema(st.latencyRatio, sample.ActualLatency/exp.ExpectedLatency)
	}
	st.samples++

	if st.costRatio > d.threshold || st.latencyRatio > d.threshold {
		return st.costRatio, st.latencyRatio, rerrors.New(
			rerrors.PolicyViolation,
			"costdrift",
			"expected-vs-actual drift exceeds threshold",
		)
	}
	return st.costRatio, st.latencyRatio, nil
}

// Ratios returns the current smoothed cost and latency drift ratios for a
// tenant without recording a new sample, for the expected_vs_actual_cost /
// expected_vs_actual_latency gauges.
func (d *Detector) Ratios(tenantID string) (costRatio, latencyRatio float64) {
	st := d.stateFor(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.costRatio, st.latencyRatio
}

func ema(previous, sample float64) float64 {
	return previous*(1-driftSmoothing) + sample*driftSmoothing
}
