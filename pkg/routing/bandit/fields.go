package bandit

import (
	"strconv"

	"github.com/routepilot/gateway/pkg/routing/types"
)

func fieldsFromStats(s types.BanditArmStats) map[string]string {
	return map[string]string{
		"pulls":            strconv.FormatInt(s.Pulls, 10),
		"reward_sum":       strconv.FormatFloat(s.CumulativeReward, 'f', -1, 64),
		"reward_sq_sum":    strconv.FormatFloat(s.SquaredReward, 'f', -1, 64),
	}
}

func statsFromFields(fields map[string]string) types.BanditArmStats {
	var s types.BanditArmStats
	if v, ok := fields["pulls"]; ok {
		s.Pulls, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["reward_sum"]; ok {
		s.CumulativeReward, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := fields["reward_sq_sum"]; ok {
		s.SquaredReward, _ = strconv.ParseFloat(v, 64)
	}
	return s
}
