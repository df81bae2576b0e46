package rules

import (
	"context"
	"sync"
	"time"

	"github.com/paysentinel/backend/internal/core"
)

// Registry caches the active rule set for the detector. The snapshot is
// refreshed lazily once it is older than the staleness bound, so a new rule
// takes effect within one refresh interval plus one tick. Writes through the
// registry invalidate the snapshot immediately.
type Registry struct {
	store   Store
	maxAge  time.Duration
	now     func() time.Time
	mu      sync.Mutex
	cached  []core.Rule
	loaded  bool
	fetched time.Time
}

func NewRegistry(store Store, maxAge time.Duration) *Registry {
	return &Registry{store: store, maxAge: maxAge, now: time.Now}
}

// Snapshot returns the cached active rules, refreshing from the store when
// stale. On refresh failure a previously loaded snapshot is served rather
// than failing the tick; the error surfaces only when no snapshot exists yet.
func (g *Registry) Snapshot(ctx context.Context) ([]core.Rule, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.loaded && g.now().Sub(g.fetched) < g.maxAge {
		return g.cached, nil
	}

	fresh, err := g.store.List(ctx, false)
	if err != nil {
		if g.loaded {
			return g.cached, nil
		}
		return nil, err
	}
	g.cached = fresh
	g.loaded = true
	g.fetched = g.now()
	return g.cached, nil
}

// Create persists and invalidates the snapshot.
func (g *Registry) Create(ctx context.Context, r *core.Rule) error {
	if err := g.store.Create(ctx, r); err != nil {
		return err
	}
	g.invalidate()
	return nil
}

// SetActive flips the flag and invalidates the snapshot.
func (g *Registry) SetActive(ctx context.Context, ruleID string, active bool) error {
	if err := g.store.SetActive(ctx, ruleID, active); err != nil {
		return err
	}
	g.invalidate()
	return nil
}

// Get reads through to the store.
func (g *Registry) Get(ctx context.Context, ruleID string) (*core.Rule, error) {
	return g.store.Get(ctx, ruleID)
}

// List reads through to the store.
func (g *Registry) List(ctx context.Context, includeInactive bool) ([]core.Rule, error) {
	return g.store.List(ctx, includeInactive)
}

func (g *Registry) invalidate() {
	g.mu.Lock()
	g.cached = nil
	g.loaded = false
	g.fetched = time.Time{}
	g.mu.Unlock()
}
