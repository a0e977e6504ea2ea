package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript does the check-and-increment in one round trip so two
// concurrent gateways cannot both admit the last slot of a window.
// Returns 1 when admitted, 0 when the window is already full.
var takeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return 0
end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// RedisStore keeps fixed-window counters in Redis, shared across all
// gateway processes.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Take(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	windowStart := time.Now().UnixMilli() / window.Milliseconds()
	bucket := fmt.Sprintf("%s:%d", key, windowStart)

	res, err := takeScript.Run(ctx, s.rdb, []string{bucket}, limit, window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	return res == 1, nil
}
