package consent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Amounts are stored as integer ten-thousandths of a dollar. Requests round
// up and limits round down so the conversion never grants extra headroom.
var unitScale = decimal.New(1, 4)

// reserveScript prunes, sums and counts one consent's window and records the
// event when ARGV[6] is 1. Redis runs scripts atomically, which gives the
// per-consent critical section across processes.
//
// KEYS[1]: sorted set of usage ids scored by unix millis
// KEYS[2]: hash of usage id -> amount units
// ARGV: now_ms, amount_units, daily_limit_units, max_per_hour, usage_id, commit, ttl_ms, wall_ms
// Events leave the set only once they are out of the window for both now_ms
// and wall_ms.
// Returns {status, daily_units, hourly_count}; status 1 ok, 0 daily, -1 hourly.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local amount = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local max_per_hour = tonumber(ARGV[4])
local day_start = now - 86400000
local hour_start = now - 3600000
local prune_before = math.min(now, tonumber(ARGV[8])) - 86400000

local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', prune_before)
for _, id in ipairs(expired) do
	redis.call('HDEL', KEYS[2], id)
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', prune_before)

local total = 0
local live = redis.call('ZRANGEBYSCORE', KEYS[1], '(' .. day_start, '+inf')
for _, id in ipairs(live) do
	total = total + tonumber(redis.call('HGET', KEYS[2], id) or '0')
end
local hourly = redis.call('ZCOUNT', KEYS[1], '(' .. hour_start, '+inf')

if total + amount > limit then
	return {0, total, hourly}
end
if hourly + 1 > max_per_hour then
	return {-1, total, hourly}
end

if ARGV[6] == '1' then
	redis.call('ZADD', KEYS[1], now, ARGV[5])
	redis.call('HSET', KEYS[2], ARGV[5], amount)
	redis.call('PEXPIRE', KEYS[1], ARGV[7])
	redis.call('PEXPIRE', KEYS[2], ARGV[7])
end
return {1, total + amount, hourly + 1}
`)

// RedisWindow is a UsageWindow shared by every process using the same Redis.
type RedisWindow struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
}

// NewRedisWindow creates a window over client. Keys are namespaced by prefix.
func NewRedisWindow(client redis.UniversalClient, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = "paycore:usage"
	}
	return &RedisWindow{client: client, prefix: prefix, clock: time.Now}
}

func (r *RedisWindow) keys(consentID string) []string {
	// The hash tag keeps both keys in one cluster slot.
	base := fmt.Sprintf("%s:{%s}", r.prefix, consentID)
	return []string{base, base + ":amt"}
}

func (r *RedisWindow) Reserve(ctx context.Context, consentID string, q Quota, amountUSD decimal.Decimal, at time.Time, commit bool) (Usage, error) {
	id := ""
	flag := "0"
	if commit {
		id = uuid.NewString()
		flag = "1"
	}
	amount := amountUSD.Mul(unitScale).Ceil().IntPart()
	limit := q.DailyUSD.Mul(unitScale).Floor().IntPart()
	ttl := (dailyWindow + time.Hour).Milliseconds()

	res, err := reserveScript.Run(ctx, r.client, r.keys(consentID),
		at.UnixMilli(), amount, limit, q.MaxPerHour, id, flag, ttl, r.clock().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Usage{}, fmt.Errorf("usage window script failed: %w", err)
	}
	if len(res) != 3 {
		return Usage{}, fmt.Errorf("usage window script returned %d values", len(res))
	}

	total := decimal.New(res[1], -4)
	switch res[0] {
	case 0:
		return Usage{}, ErrDailyLimit.WithDetail("%s used of %s, requested %s", total, q.DailyUSD, amountUSD)
	case -1:
		return Usage{}, ErrHourlyRate.WithDetail("%d of %d in the last hour", res[2], q.MaxPerHour)
	}
	return Usage{ID: id, DailyTotal: total, HourlyCount: int(res[2])}, nil
}

func (r *RedisWindow) Release(ctx context.Context, consentID, usageID string) error {
	keys := r.keys(consentID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, keys[0], usageID)
		pipe.HDel(ctx, keys[1], usageID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release usage %s: %w", usageID, err)
	}
	return nil
}
