package canary

import (
	"strconv"

	"github.com/routepilot/gateway/pkg/routing/types"
)

func fieldsFromConfig(cfg types.CanaryConfig) map[string]string {
	return map[string]string{
		"canary_fraction":     strconv.FormatFloat(cfg.CanaryFraction, 'f', -1, 64),
		"quality_floor":       strconv.FormatFloat(cfg.QualityFloor, 'f', -1, 64),
		"min_samples":         strconv.Itoa(cfg.MinSamples),
		"evaluation_window_s": strconv.Itoa(cfg.EvaluationWindowS),
		"rollback_threshold":  strconv.FormatFloat(cfg.RollbackThreshold, 'f', -1, 64),
		"canary_tier":         strconv.Itoa(int(cfg.CanaryTier)),
	}
}
