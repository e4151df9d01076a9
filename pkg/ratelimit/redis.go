// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkAndIncrementScript performs the block check, the increment, the expiry
// and the block transition in one atomic step.
//
// KEYS[1] counter hash, KEYS[2] block marker.
// ARGV[1] window ms, ARGV[2] max requests, ARGV[3] block ms, ARGV[4] now ms.
// Returns {blocked, count, ttl ms}.
var checkAndIncrementScript = redis.NewScript(`
local blockTTL = redis.call('PTTL', KEYS[2])
if blockTTL > 0 then
  local current = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
  return {1, current, blockTTL}
end

local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
  redis.call('HSET', KEYS[1], 'start', ARGV[4])
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end

if count > tonumber(ARGV[2]) then
  if tonumber(ARGV[3]) > 0 then
    redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
    return {1, count, tonumber(ARGV[3])}
  end
  return {1, count, ttl}
end
return {0, count, ttl}
`)

// RedisStore keeps counters in Redis so every gateway instance sees the same
// budget for a key.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisStore creates a RedisStore on an existing client.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

// The hash tag keeps both keys of a subject in the same cluster slot.
func (s *RedisStore) keys(key string) (counter, block string) {
	base := s.keyPrefix + "ratelimit:{" + key + "}"
	return base, base + ":block"
}

// CheckAndIncrement implements Limiter.
func (s *RedisStore) CheckAndIncrement(ctx context.Context, key string, policy Policy) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}
	counterKey, blockKey := s.keys(key)
	now := s.now()

	res, err := checkAndIncrementScript.Run(ctx, s.client,
		[]string{counterKey, blockKey},
		policy.Window.Milliseconds(),
		policy.MaxRequests,
		policy.BlockDuration.Milliseconds(),
		now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	blocked := res[0] == 1
	ttl := time.Duration(res[2]) * time.Millisecond
	var retryAfter time.Duration
	if blocked {
		retryAfter = ttl
	}
	return newDecision(policy, int(res[1]), now.Add(ttl), blocked, retryAfter), nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	counterKey, blockKey := s.keys(key)

	pipe := s.client.Pipeline()
	fields := pipe.HGetAll(ctx, counterKey)
	counterTTL := pipe.PTTL(ctx, counterKey)
	blockTTL := pipe.PTTL(ctx, blockKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read rate limit record: %w", err)
	}

	now := s.now()
	values := fields.Val()
	blocked := blockTTL.Val() > 0
	if len(values) == 0 && !blocked {
		return nil, ErrRecordNotFound
	}

	rec := &Record{Key: key, Blocked: blocked}
	if count, err := strconv.Atoi(values["count"]); err == nil {
		rec.Count = count
	}
	if startMs, err := strconv.ParseInt(values["start"], 10, 64); err == nil {
		rec.WindowStart = time.UnixMilli(startMs)
	}
	if ttl := counterTTL.Val(); ttl > 0 {
		rec.WindowEnd = now.Add(ttl)
	}
	if blocked {
		rec.BlockedUntil = now.Add(blockTTL.Val())
	}
	return rec, nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	counterKey, blockKey := s.keys(key)
	if err := s.client.Del(ctx, counterKey, blockKey).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit record: %w", err)
	}
	return nil
}
