package costdrift_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/routepilot/gateway/pkg/routing/costdrift"
)

func TestObserve_WithinThresholdNoError(t *testing.T) {
	d := costdrift.NewDetector(1.5)
	_, _, err := d.Observe("t1", costdrift.Expectation{ExpectedCost: 1.0, ExpectedLatency: 100}, costdrift.Sample{ActualCost: 1.0, ActualLatency: 100})
	require.NoError(t, err)
}

func TestObserve_BeyondThresholdSignalsPolicyViolation(t *testing.T) {
	d := costdrift.NewDetector(1.2)
	var err error
	for i := 0; i < 10; i++ {
		_, _, err = d.Observe("t1", costdrift.Expectation{ExpectedCost: 1.0, ExpectedLatency: 100}, costdrift.Sample{ActualCost: 3.0, ActualLatency: 100})
	}
	require.Error(t, err)
}

func TestRatios_DefaultsToOneWithoutSamples(t *testing.T) {
	d := costdrift.NewDetector(1.5)
	cost, latency := d.Ratios("fresh-tenant")
	require.Equal(t, 1.0, cost)
	require.Equal(t, 1.0, latency)
}
