package kv

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// armFlushScript atomically accumulates bandit arm statistics. Ported from
// the batch rate-limiter Lua pattern: read-modify-write under a single
// script invocation avoids a lost-update race between the read of existing
// pulls/reward totals and the write of the new totals.
var armFlushScript = goredis.NewScript(`
local pulls = tonumber(redis.call('HGET', KEYS[1], 'pulls') or '0')
local reward_sum = tonumber(redis.call('HGET', KEYS[1], 'reward_sum') or '0')
local reward_sq_sum = tonumber(redis.call('HGET', KEYS[1], 'reward_sq_sum') or '0')

pulls = pulls + tonumber(ARGV[1])
reward_sum = reward_sum + tonumber(ARGV[2])
reward_sq_sum = reward_sq_sum + tonumber(ARGV[3])

redis.call('HSET', KEYS[1], 'pulls', tostring(pulls), 'reward_sum', tostring(reward_sum), 'reward_sq_sum', tostring(reward_sq_sum))
return {tostring(pulls), tostring(reward_sum), tostring(reward_sq_sum)}
`)

// FlushArmDelta atomically adds (pullsDelta, rewardSumDelta,
// rewardSqSumDelta) to the hash at key and returns the resulting totals.
// This is how RedisStore-backed bandit flushes avoid clobbering concurrent
// updates from other process instances sharing the same tenant arm.
func (s *RedisStore) FlushArmDelta(ctx context.Context, key string, pullsDelta int64, rewardSumDelta, rewardSqSumDelta float64) (pulls int64, rewardSum, rewardSqSum float64, err error) {
	res, err := armFlushScript.Run(ctx, s.client, []string{key}, pullsDelta, rewardSumDelta, rewardSqSumDelta).Result()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("kv flush arm delta: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return 0, 0, 0, fmt.Errorf("kv flush arm delta: unexpected script result %T", res)
	}
	pulls = parseInt64(vals[0])
	rewardSum = parseFloat64(vals[1])
	rewardSqSum = parseFloat64(vals[2])
	return pulls, rewardSum, rewardSqSum, nil
}
