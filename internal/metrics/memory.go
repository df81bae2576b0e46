package metrics

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/paysentinel/backend/internal/core"
)

// MemoryStore is the in-process Store used by tests and by local runs
// without Redis. Same key shape and TTL behavior, one mutex around a map.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	buckets map[string]memBucket
	stopCh  chan struct{}
	once    sync.Once
}

type memBucket struct {
	count   int64
	expires time.Time
}

// NewMemoryStore starts a janitor that sweeps expired buckets once a minute.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		ttl:     ttl,
		buckets: make(map[string]memBucket),
		stopCh:  make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, b := range s.buckets {
				if now.After(b.expires) {
					delete(s.buckets, k)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) Incr(_ context.Context, key core.DimensionKey, at time.Time, delta int64) error {
	if delta < 0 {
		return core.Invariantf("negative counter delta %d for %s", delta, key)
	}
	k := redisKey(key, at)
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[k]
	b.count += delta
	b.expires = time.Now().Add(s.ttl)
	s.buckets[k] = b
	return nil
}

func (s *MemoryStore) RangeCounts(_ context.Context, key core.DimensionKey, from, to time.Time) ([]int64, error) {
	buckets := bucketsIn(from, to)
	if len(buckets) == 0 {
		return nil, nil
	}
	now := time.Now()
	counts := make([]int64, len(buckets))

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range buckets {
		if entry, ok := s.buckets[redisKey(key, b)]; ok && !now.After(entry.expires) {
			counts[i] = entry.count
		}
	}
	return counts, nil
}

func (s *MemoryStore) SideSums(_ context.Context, prefix string, from, to time.Time) (map[string]int64, error) {
	sums := make(map[string]int64)
	s.eachInRange(from, to, func(dim string, _ time.Time, count int64) {
		if strings.HasPrefix(dim, prefix) {
			sums[strings.TrimPrefix(dim, prefix)] += count
		}
	})
	return sums, nil
}

func (s *MemoryStore) GlobalMinutes(_ context.Context, from, to time.Time) ([]MinuteStat, error) {
	byBucket := make(map[time.Time]map[core.Status]int64)
	s.eachInRange(from, to, func(dim string, bucket time.Time, count int64) {
		parts := strings.Split(dim, "/")
		if len(parts) != 5 || parts[0] != core.Wildcard || strings.HasPrefix(parts[4], core.ResponseCodePrefix) {
			return
		}
		if byBucket[bucket] == nil {
			byBucket[bucket] = make(map[core.Status]int64)
		}
		byBucket[bucket][core.Status(parts[4])] += count
	})

	var out []MinuteStat
	for _, b := range bucketsIn(from, to) {
		hist := byBucket[b]
		if hist == nil {
			hist = map[core.Status]int64{}
		}
		out = append(out, MinuteStat{Bucket: b, ByStatus: hist})
	}
	return out, nil
}

func (s *MemoryStore) eachInRange(from, to time.Time, fn func(dim string, bucket time.Time, count int64)) {
	fromB, toB := Bucket(from), Bucket(to)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, entry := range s.buckets {
		if now.After(entry.expires) {
			continue
		}
		dim, bucket, ok := parseRedisKey(k)
		if !ok || bucket.Before(fromB) || !bucket.Before(toB) {
			continue
		}
		fn(dim, bucket, entry.count)
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stopCh) })
	return nil
}
