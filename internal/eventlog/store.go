// Package eventlog persists the append-only payment event log and serves the
// granular queries the enricher needs (issuer breakdowns, revenue at risk,
// advice codes). The log is the system of record; the metric store is a
// derived cache over it.
package eventlog

import (
	"context"
	"time"

	"github.com/paysentinel/backend/internal/core"
)

// Store is the event log contract. Events are immutable once appended.
type Store interface {
	// Append writes one event. Duplicate event IDs are rejected with
	// ErrValidation.
	Append(ctx context.Context, e *core.Event) error

	// GetByID fetches one event, nil when absent.
	GetByID(ctx context.Context, eventID string) (*core.Event, error)

	// RevenueAtRisk sums AmountUSD over events carrying one of the given
	// statuses matching dim in [from, to).
	RevenueAtRisk(ctx context.Context, dim core.DimensionKey, statuses []core.Status, from, to time.Time) (float64, error)

	// RecentStatuses returns the newest event statuses matching dim received
	// at or after since, most recent first, up to limit.
	RecentStatuses(ctx context.Context, dim core.DimensionKey, since time.Time, limit int) ([]core.Status, error)

	// IssuerBreakdown aggregates error events matching dim in [from, to)
	// by issuer. Issuers with fewer than minCount errors are dropped; at
	// most five rows come back, worst first.
	IssuerBreakdown(ctx context.Context, dim core.DimensionKey, from, to time.Time, minCount int) ([]core.IssuerImpact, error)

	// AdviceCodes counts merchant advice codes over adverse events matching
	// dim in [from, to).
	AdviceCodes(ctx context.Context, dim core.DimensionKey, from, to time.Time) (map[string]int64, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	Close() error
}
