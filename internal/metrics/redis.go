package metrics

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paysentinel/backend/internal/core"
)

// RedisStore keeps counters in Redis as plain integer keys
// "stats:<dimension>:<YYYYMMDDHHMM>". INCR creates buckets on demand and
// EXPIRE in the same pipeline keeps them from outliving their usefulness.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewRedisStore connects and pings. ttl must exceed the longest evaluation
// window; config validation guarantees that upstream.
func NewRedisStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, core.Transientf("redis ping %s: %v", addr, err)
	}

	logger := log.New(log.Writer(), "[METRICS] ", log.LstdFlags)
	logger.Printf("✅ Connected to Redis at %s (db %d, bucket ttl %s)", addr, db, ttl)

	return &RedisStore{client: client, ttl: ttl, logger: logger}, nil
}

func redisKey(key core.DimensionKey, bucket time.Time) string {
	return KeyPrefix + string(key) + ":" + BucketLabel(bucket)
}

// parseRedisKey splits a raw key back into its dimension and bucket. The
// dimension itself may contain ':' (rc: counters), so the bucket is whatever
// follows the last colon.
func parseRedisKey(raw string) (dim string, bucket time.Time, ok bool) {
	rest, found := strings.CutPrefix(raw, KeyPrefix)
	if !found {
		return "", time.Time{}, false
	}
	i := strings.LastIndex(rest, ":")
	if i < 0 {
		return "", time.Time{}, false
	}
	t, err := time.ParseInLocation("200601021504", rest[i+1:], time.UTC)
	if err != nil {
		return "", time.Time{}, false
	}
	return rest[:i], t, true
}

func (s *RedisStore) Incr(ctx context.Context, key core.DimensionKey, at time.Time, delta int64) error {
	if delta < 0 {
		return core.Invariantf("negative counter delta %d for %s", delta, key)
	}
	k := redisKey(key, at)
	pipe := s.client.Pipeline()
	pipe.IncrBy(ctx, k, delta)
	pipe.Expire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.Transientf("redis incr %s: %v", k, err)
	}
	return nil
}

func (s *RedisStore) RangeCounts(ctx context.Context, key core.DimensionKey, from, to time.Time) ([]int64, error) {
	buckets := bucketsIn(from, to)
	if len(buckets) == 0 {
		return nil, nil
	}
	keys := make([]string, len(buckets))
	for i, b := range buckets {
		keys[i] = redisKey(key, b)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, core.Transientf("redis mget %s: %v", key, err)
	}

	counts := make([]int64, len(buckets))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // nil: bucket missing or expired
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, core.Invariantf("non-integer counter at %s: %q", keys[i], str)
		}
		counts[i] = n
	}
	return counts, nil
}

func (s *RedisStore) SideSums(ctx context.Context, prefix string, from, to time.Time) (map[string]int64, error) {
	sums := make(map[string]int64)
	err := s.scanSum(ctx, KeyPrefix+prefix+"*", from, to, func(dim string, count int64) {
		sums[strings.TrimPrefix(dim, prefix)] += count
	})
	if err != nil {
		return nil, err
	}
	return sums, nil
}

func (s *RedisStore) GlobalMinutes(ctx context.Context, from, to time.Time) ([]MinuteStat, error) {
	byBucket := make(map[time.Time]map[core.Status]int64)
	pattern := KeyPrefix + core.Wildcard + "/*"

	err := s.scanSumBuckets(ctx, pattern, from, to, func(dim string, bucket time.Time, count int64) {
		parts := strings.Split(dim, "/")
		if len(parts) != 5 || strings.HasPrefix(parts[4], core.ResponseCodePrefix) {
			return
		}
		status := core.Status(parts[4])
		if byBucket[bucket] == nil {
			byBucket[bucket] = make(map[core.Status]int64)
		}
		byBucket[bucket][status] += count
	})
	if err != nil {
		return nil, err
	}

	var out []MinuteStat
	for _, b := range bucketsIn(from, to) {
		if hist, ok := byBucket[b]; ok {
			out = append(out, MinuteStat{Bucket: b, ByStatus: hist})
		} else {
			out = append(out, MinuteStat{Bucket: b, ByStatus: map[core.Status]int64{}})
		}
	}
	return out, nil
}

func (s *RedisStore) scanSum(ctx context.Context, pattern string, from, to time.Time, fn func(dim string, count int64)) error {
	return s.scanSumBuckets(ctx, pattern, from, to, func(dim string, _ time.Time, count int64) {
		fn(dim, count)
	})
}

// scanSumBuckets walks all keys matching pattern, filters their buckets to
// [from, to) and feeds the parsed counters to fn. SCAN keeps this from
// blocking Redis the way KEYS would.
func (s *RedisStore) scanSumBuckets(ctx context.Context, pattern string, from, to time.Time, fn func(dim string, bucket time.Time, count int64)) error {
	fromB, toB := Bucket(from), Bucket(to)

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return core.Transientf("redis scan %s: %v", pattern, err)
		}

		var wanted []string
		var dims []string
		var bks []time.Time
		for _, k := range keys {
			dim, bucket, ok := parseRedisKey(k)
			if !ok || bucket.Before(fromB) || !bucket.Before(toB) {
				continue
			}
			wanted = append(wanted, k)
			dims = append(dims, dim)
			bks = append(bks, bucket)
		}

		if len(wanted) > 0 {
			vals, err := s.client.MGet(ctx, wanted...).Result()
			if err != nil {
				return core.Transientf("redis mget batch: %v", err)
			}
			for i, v := range vals {
				str, ok := v.(string)
				if !ok {
					continue
				}
				n, err := strconv.ParseInt(str, 10, 64)
				if err != nil {
					return core.Invariantf("non-integer counter at %s: %q", wanted[i], str)
				}
				fn(dims[i], bks[i], n)
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return core.Transientf("redis ping: %v", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
