package incidents

import (
	"context"
	"time"

	"github.com/paysentinel/backend/internal/core"
)

// ListFilter narrows List results. Zero value lists everything newest-first.
type ListFilter struct {
	States     []core.IncidentState
	RuleID     string
	MerchantID string
	Since      *time.Time // only incidents opened at or after this instant
	Limit      int        // 0 = server default (100)
}

// Store is the incident persistence contract.
type Store interface {
	// Create persists a new incident. The caller assigns the ID.
	Create(ctx context.Context, inc *core.Incident) error

	// Update rewrites the detector-owned fields (state, observed value,
	// impact figures, timestamps). Enrichment fields are left alone.
	Update(ctx context.Context, inc *core.Incident) error

	// SetEnrichment writes only the enrichment outcome. Never touches
	// lifecycle state, so it cannot race the detector's transitions.
	SetEnrichment(ctx context.Context, incidentID string, explanation *string, status core.EnrichmentStatus) error

	// SetState moves the incident from one state to another as a
	// compare-and-set: the write happens only when the stored state still
	// equals from, so the enricher's ENRICHING -> NOTIFIED move cannot
	// clobber a recovery the detector raced in first. moved=false means
	// the precondition failed.
	SetState(ctx context.Context, incidentID string, from, to core.IncidentState, at time.Time) (moved bool, err error)

	// Get fetches one incident, nil when absent.
	Get(ctx context.Context, incidentID string) (*core.Incident, error)

	// GetActive finds the active (OPEN/ENRICHING/NOTIFIED) incident for a
	// (rule, dimension) pair, nil when none. At most one exists.
	GetActive(ctx context.Context, ruleID string, dim core.DimensionKey) (*core.Incident, error)

	// LastClosedAt returns when an incident for (rule, dimension) last
	// entered a terminal state, nil when none ever has. Suppression
	// markers do not count; they would extend the cooldown forever.
	LastClosedAt(ctx context.Context, ruleID string, dim core.DimensionKey) (*time.Time, error)

	// List returns incidents matching the filter, newest first.
	List(ctx context.Context, f ListFilter) ([]core.Incident, error)

	// MerchantBaseline returns the SLA/approval baseline for a merchant,
	// nil when none is configured.
	MerchantBaseline(ctx context.Context, merchantID string) (*core.MerchantBaseline, error)

	// UpsertBaseline creates or replaces a merchant baseline.
	UpsertBaseline(ctx context.Context, b *core.MerchantBaseline) error

	Close() error
}

// Locker serializes detector ticks across replicas. Release is idempotent.
type Locker interface {
	// TryLock attempts the leader lock without blocking. When acquired the
	// returned release must be called at end of tick.
	TryLock(ctx context.Context) (release func(), acquired bool, err error)
}
