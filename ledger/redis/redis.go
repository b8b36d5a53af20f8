// Package redis provides a Redis-backed Ledger for genroute.
//
// Cache entries are plain keys with native expiry plus a sorted-set index
// for capacity eviction; elections and aggregate updates run as atomic Lua
// scripts. This makes it safe for multi-instance deployments. Scripts
// derive entry keys from a shared prefix, so the package targets a single
// Redis node or sentinel setup, not Redis Cluster.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ledgerline/genroute"
)

// Store is a Redis-backed Ledger.
type Store struct {
	client       goredis.Cmdable
	keyPrefix    string
	pollInterval time.Duration
	staleAfter   time.Duration
}

var (
	_ genroute.Ledger = (*Store)(nil)
	_ genroute.Pruner = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "genroute:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithPollInterval sets how often WaitInflight polls (default 25ms).
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithStaleAfter sets how long a waiting record may go without updates
// before a new election may reclaim it (default 5m).
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// New creates a new Redis-backed Ledger.
// The client must be a connected *goredis.Client.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:       client,
		keyPrefix:    "genroute:",
		pollInterval: 25 * time.Millisecond,
		staleAfter:   5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Index zsets live outside the entry namespaces so no entry key can
// collide with them.
func (s *Store) cachePrefix() string           { return s.keyPrefix + "cache:" }
func (s *Store) cacheKey(key string) string    { return s.cachePrefix() + key }
func (s *Store) cacheIndexKey() string         { return s.keyPrefix + "cache-index" }
func (s *Store) inflightPrefix() string        { return s.keyPrefix + "inflight:" }
func (s *Store) inflightKey(key string) string { return s.inflightPrefix() + key }
func (s *Store) inflightIndexKey() string      { return s.keyPrefix + "inflight-index" }
func (s *Store) spendKey(model string) string  { return s.keyPrefix + "spend:" + model }
func (s *Store) modelsKey() string             { return s.keyPrefix + "models" }

// cacheEnvelope is the stored form of a cache entry.
type cacheEnvelope struct {
	Result      genroute.RoutedGeneration `json:"result"`
	CreatedAtMS int64                     `json:"created_at_ms"`
	TTLMS       int64                     `json:"ttl_ms"`
}

// putCacheScript atomically evicts past-capacity entries and stores a new one.
// KEYS[1] = cache index zset
// ARGV[1] = cache key (index member)
// ARGV[2] = payload
// ARGV[3] = created_at (unix ms)
// ARGV[4] = ttl (ms, 0 = no expiry)
// ARGV[5] = max entries (0 = unlimited)
// ARGV[6] = entry key prefix
var putCacheScript = goredis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
local max = tonumber(ARGV[5])
if max > 0 then
    local excess = redis.call("ZCARD", KEYS[1]) - max + 1
    if excess > 0 then
        local oldest = redis.call("ZRANGE", KEYS[1], 0, excess - 1)
        for _, member in ipairs(oldest) do
            redis.call("DEL", ARGV[6] .. member)
        end
        redis.call("ZREMRANGEBYRANK", KEYS[1], 0, excess - 1)
    end
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
    redis.call("SET", ARGV[6] .. ARGV[1], ARGV[2], "PX", ttl)
else
    redis.call("SET", ARGV[6] .. ARGV[1], ARGV[2])
end
redis.call("ZADD", KEYS[1], tonumber(ARGV[3]), ARGV[1])
return 1
`)

// beginScript is a Lua script for atomic executor election.
// KEYS[1] = inflight record hash
// KEYS[2] = inflight index zset
// ARGV[1] = now (unix ms)
// ARGV[2] = stale threshold (unix ms)
// ARGV[3] = record key (index member)
// ARGV[4] = waiting status
//
// Returns 1 when the caller is elected, 0 when another executor holds a
// fresh claim.
var beginScript = goredis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status then
    local updated = tonumber(redis.call("HGET", KEYS[1], "updated_at") or "0")
    if status == ARGV[4] and updated >= tonumber(ARGV[2]) then
        return 0
    end
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "status", ARGV[4], "created_at", ARGV[1], "updated_at", ARGV[1])
redis.call("ZADD", KEYS[2], tonumber(ARGV[1]), ARGV[3])
return 1
`)

// finishScript publishes a terminal status and payload for a record.
// KEYS[1] = inflight record hash
// KEYS[2] = inflight index zset
// ARGV[1] = status, ARGV[2] = payload, ARGV[3] = now (unix ms), ARGV[4] = record key
var finishScript = goredis.NewScript(`
redis.call("HSET", KEYS[1], "status", ARGV[1], "payload", ARGV[2], "updated_at", ARGV[3])
redis.call("ZADD", KEYS[2], tonumber(ARGV[3]), ARGV[4])
return 1
`)

// recordSuccessScript atomically folds one generation into a model's
// aggregates and registers the model for enumeration.
// KEYS[1] = model aggregate hash
// KEYS[2] = models set
// ARGV[1] = model, ARGV[2] = cost, ARGV[3] = latency (ms)
var recordSuccessScript = goredis.NewScript(`
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("HINCRBYFLOAT", KEYS[1], "total_spend", ARGV[2])
redis.call("HINCRBYFLOAT", KEYS[1], "total_latency_ms", ARGV[3])
redis.call("HINCRBY", KEYS[1], "sample_count", 1)
return 1
`)

// recordFailureScript counts a failure against a model.
// KEYS[1] = model aggregate hash
// KEYS[2] = models set
// ARGV[1] = model
var recordFailureScript = goredis.NewScript(`
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("HINCRBY", KEYS[1], "failure_count", 1)
return 1
`)

// pruneInflightScript deletes records older than the cutoff.
// KEYS[1] = inflight index zset
// ARGV[1] = cutoff (unix ms), ARGV[2] = entry key prefix
var pruneInflightScript = goredis.NewScript(`
local stale = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, member in ipairs(stale) do
    redis.call("DEL", ARGV[2] .. member)
end
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
return #stale
`)

// pruneCacheScript drops index members whose entries Redis already expired.
// KEYS[1] = cache index zset
// ARGV[1] = entry key prefix
var pruneCacheScript = goredis.NewScript(`
local removed = 0
local members = redis.call("ZRANGE", KEYS[1], 0, -1)
for _, member in ipairs(members) do
    if redis.call("EXISTS", ARGV[1] .. member) == 0 then
        redis.call("ZREM", KEYS[1], member)
        removed = removed + 1
    end
end
return removed
`)

// GetCache returns the cached entry for key, or nil when absent or expired.
func (s *Store) GetCache(ctx context.Context, key string) (*genroute.CacheEntry, error) {
	raw, err := s.client.Get(ctx, s.cacheKey(key)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("genroute/redis: read cache entry: %w", err)
	}

	var env cacheEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		_, _ = s.client.Del(ctx, s.cacheKey(key)).Result()
		_, _ = s.client.ZRem(ctx, s.cacheIndexKey(), key).Result()
		return nil, &genroute.CacheCorruptionError{Key: key, Err: err}
	}

	entry := genroute.CacheEntry{
		Key:       key,
		Result:    env.Result,
		CreatedAt: time.UnixMilli(env.CreatedAtMS),
		TTL:       time.Duration(env.TTLMS) * time.Millisecond,
	}
	if entry.Expired(time.Now()) {
		return nil, nil
	}
	return &entry, nil
}

// PutCache stores an entry, evicting oldest-created entries past capacity.
func (s *Store) PutCache(ctx context.Context, entry genroute.CacheEntry, maxEntries int) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	payload, err := json.Marshal(cacheEnvelope{
		Result:      entry.Result,
		CreatedAtMS: createdAt.UnixMilli(),
		TTLMS:       entry.TTL.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("genroute/redis: encode cache entry: %w", err)
	}

	_, err = putCacheScript.Run(ctx, s.client,
		[]string{s.cacheIndexKey()},
		entry.Key, payload, createdAt.UnixMilli(), entry.TTL.Milliseconds(), maxEntries, s.cachePrefix(),
	).Result()
	if err != nil {
		return fmt.Errorf("genroute/redis: write cache entry: %w", err)
	}
	return nil
}

// BeginInflight claims execution of key. The first claim for a fresh key
// wins; a terminal or stale record is reclaimed.
func (s *Store) BeginInflight(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	result, err := beginScript.Run(ctx, s.client,
		[]string{s.inflightKey(key), s.inflightIndexKey()},
		now.UnixMilli(), now.Add(-s.staleAfter).UnixMilli(), key, string(genroute.InflightWaiting),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("genroute/redis: begin inflight: %w", err)
	}
	return result == 1, nil
}

// WaitInflight polls the record for key until terminal or timeout.
func (s *Store) WaitInflight(ctx context.Context, key string, timeout time.Duration) (genroute.RoutedGeneration, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	last := genroute.InflightWaiting

	for {
		vals, err := s.client.HMGet(ctx, s.inflightKey(key), "status", "payload").Result()
		if err != nil {
			return genroute.RoutedGeneration{}, fmt.Errorf("genroute/redis: poll inflight: %w", err)
		}
		if vals[0] != nil {
			last = genroute.InflightStatus(vals[0].(string))
			switch last {
			case genroute.InflightCompleted:
				payload, _ := vals[1].(string)
				var result genroute.RoutedGeneration
				if err := json.Unmarshal([]byte(payload), &result); err != nil {
					return genroute.RoutedGeneration{}, fmt.Errorf("genroute/redis: decode inflight result: %w", err)
				}
				return result, nil
			case genroute.InflightFailed:
				payload, _ := vals[1].(string)
				var failure genroute.InflightFailure
				if err := json.Unmarshal([]byte(payload), &failure); err != nil {
					return genroute.RoutedGeneration{}, fmt.Errorf("genroute/redis: decode inflight failure: %w", err)
				}
				return genroute.RoutedGeneration{}, failure.Err()
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return genroute.RoutedGeneration{}, &genroute.LedgerTimeoutError{
				Key:     key,
				Status:  last,
				Elapsed: time.Since(start),
			}
		}
		interval := s.pollInterval
		if remaining < interval {
			interval = remaining
		}
		select {
		case <-ctx.Done():
			return genroute.RoutedGeneration{}, &genroute.LedgerTimeoutError{
				Key:     key,
				Status:  last,
				Elapsed: time.Since(start),
				Err:     ctx.Err(),
			}
		case <-time.After(interval):
		}
	}
}

// CompleteInflight publishes the executor's result for key.
func (s *Store) CompleteInflight(ctx context.Context, key string, result genroute.RoutedGeneration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("genroute/redis: encode inflight result: %w", err)
	}
	_, err = finishScript.Run(ctx, s.client,
		[]string{s.inflightKey(key), s.inflightIndexKey()},
		string(genroute.InflightCompleted), payload, time.Now().UnixMilli(), key,
	).Result()
	if err != nil {
		return fmt.Errorf("genroute/redis: complete inflight: %w", err)
	}
	return nil
}

// FailInflight publishes the executor's failure for key.
func (s *Store) FailInflight(ctx context.Context, key string, cause error) error {
	payload, err := json.Marshal(genroute.NewInflightFailure(cause))
	if err != nil {
		return fmt.Errorf("genroute/redis: encode inflight failure: %w", err)
	}
	_, err = finishScript.Run(ctx, s.client,
		[]string{s.inflightKey(key), s.inflightIndexKey()},
		string(genroute.InflightFailed), payload, time.Now().UnixMilli(), key,
	).Result()
	if err != nil {
		return fmt.Errorf("genroute/redis: fail inflight: %w", err)
	}
	return nil
}

// RecordSuccess folds one generation into the model's aggregates.
func (s *Store) RecordSuccess(ctx context.Context, model string, cost float64, latency time.Duration) error {
	latencyMS := float64(latency.Microseconds()) / 1000.0
	_, err := recordSuccessScript.Run(ctx, s.client,
		[]string{s.spendKey(model), s.modelsKey()},
		model, cost, latencyMS,
	).Result()
	if err != nil {
		return fmt.Errorf("genroute/redis: record success: %w", err)
	}
	return nil
}

// RecordFailure counts a failed generation against the model.
func (s *Store) RecordFailure(ctx context.Context, model string) error {
	_, err := recordFailureScript.Run(ctx, s.client,
		[]string{s.spendKey(model), s.modelsKey()},
		model,
	).Result()
	if err != nil {
		return fmt.Errorf("genroute/redis: record failure: %w", err)
	}
	return nil
}

// AllSpend returns cumulative spend per model across all instances.
func (s *Store) AllSpend(ctx context.Context) (map[string]float64, error) {
	models, err := s.client.SMembers(ctx, s.modelsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("genroute/redis: list models: %w", err)
	}

	cmds := make(map[string]*goredis.StringCmd, len(models))
	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, model := range models {
			cmds[model] = pipe.HGet(ctx, s.spendKey(model), "total_spend")
		}
		return nil
	})
	if err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("genroute/redis: read spend: %w", err)
	}

	out := make(map[string]float64, len(models))
	for model, cmd := range cmds {
		raw, err := cmd.Result()
		if err == goredis.Nil {
			out[model] = 0
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("genroute/redis: read spend: %w", err)
		}
		spend, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("genroute/redis: parse spend for %s: %w", model, err)
		}
		out[model] = spend
	}
	return out, nil
}

// AllLatency returns average recorded latency per model in milliseconds.
func (s *Store) AllLatency(ctx context.Context) (map[string]float64, error) {
	models, err := s.client.SMembers(ctx, s.modelsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("genroute/redis: list models: %w", err)
	}

	cmds := make(map[string]*goredis.SliceCmd, len(models))
	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, model := range models {
			cmds[model] = pipe.HMGet(ctx, s.spendKey(model), "total_latency_ms", "sample_count")
		}
		return nil
	})
	if err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("genroute/redis: read latency: %w", err)
	}

	out := make(map[string]float64, len(models))
	for model, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("genroute/redis: read latency: %w", err)
		}
		if vals[0] == nil || vals[1] == nil {
			continue
		}
		totalMS, _ := strconv.ParseFloat(vals[0].(string), 64)
		samples, _ := strconv.ParseInt(vals[1].(string), 10, 64)
		if samples > 0 {
			out[model] = totalMS / float64(samples)
		}
	}
	return out, nil
}

// PruneCache removes index members whose entries Redis already expired.
func (s *Store) PruneCache(ctx context.Context) (int64, error) {
	removed, err := pruneCacheScript.Run(ctx, s.client,
		[]string{s.cacheIndexKey()},
		s.cachePrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("genroute/redis: prune cache: %w", err)
	}
	return removed, nil
}

// PruneInflight deletes in-flight records not updated within olderThan.
func (s *Store) PruneInflight(ctx context.Context, olderThan time.Duration) (int64, error) {
	removed, err := pruneInflightScript.Run(ctx, s.client,
		[]string{s.inflightIndexKey()},
		time.Now().Add(-olderThan).UnixMilli(), s.inflightPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("genroute/redis: prune inflight: %w", err)
	}
	return removed, nil
}

// Close is a no-op; the client is owned by the caller.
func (s *Store) Close() error { return nil }
