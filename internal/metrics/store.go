// Package metrics implements the bucketed counter store behind rule
// evaluation. Counters live in one-minute buckets keyed by
// (dimension key, minute) and expire after a TTL strictly greater than the
// longest evaluation window. Buckets are created lazily on first increment
// and vanish without notice when they expire.
//
// Store is a minimal interface so the detector and ingestor never import a
// concrete driver: cmd wiring injects either the Redis implementation or the
// in-memory one (tests, local runs without Redis).
package metrics

import (
	"context"
	"time"

	"github.com/paysentinel/backend/internal/core"
)

// KeyPrefix namespaces all counter keys in the backing store.
const KeyPrefix = "stats:"

// MinuteStat is the per-minute status histogram used by the recent-metrics
// endpoint. Aggregated over the global per-country provider view.
type MinuteStat struct {
	Bucket   time.Time
	ByStatus map[core.Status]int64
}

// Store is the bucketed counter contract. All counters are non-negative
// 64-bit integers; per-bucket increments are atomic, cross-bucket operations
// are not.
type Store interface {
	// Incr adds delta to the counter for (key, minute-of-at) and refreshes
	// the bucket TTL.
	Incr(ctx context.Context, key core.DimensionKey, at time.Time, delta int64) error

	// RangeCounts returns one value per minute bucket in [from, to),
	// oldest first. Missing or expired buckets read as zero.
	RangeCounts(ctx context.Context, key core.DimensionKey, from, to time.Time) ([]int64, error)

	// SideSums sums, over buckets in [from, to), every counter whose
	// dimension key starts with prefix. The result is keyed by the key
	// remainder after the prefix (e.g. the response code for rc: counters).
	SideSums(ctx context.Context, prefix string, from, to time.Time) (map[string]int64, error)

	// GlobalMinutes aggregates the global per-country provider counters
	// into per-minute status histograms over [from, to), oldest first.
	GlobalMinutes(ctx context.Context, from, to time.Time) ([]MinuteStat, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	Close() error
}

// Bucket truncates t to its minute bucket in UTC.
func Bucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// BucketLabel formats a bucket as the YYYYMMDDHHMM key suffix.
func BucketLabel(t time.Time) string {
	return Bucket(t).Format("200601021504")
}

// bucketsIn lists the minute buckets covering [from, to).
func bucketsIn(from, to time.Time) []time.Time {
	var out []time.Time
	for b := Bucket(from); b.Before(to); b = b.Add(time.Minute) {
		out = append(out, b)
	}
	return out
}

// RangeSum sums RangeCounts over the window.
func RangeSum(ctx context.Context, s Store, key core.DimensionKey, from, to time.Time) (int64, error) {
	counts, err := s.RangeCounts(ctx, key, from, to)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, c := range counts {
		total += c
	}
	return total, nil
}
