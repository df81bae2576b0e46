package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paysentinel/backend/internal/core"
)

func sampleRule() *core.Rule {
	return &core.Rule{
		MerchantID:      "merchant_shopito",
		Country:         "MX",
		Provider:        "STRIPE",
		Metric:          core.MetricErrorRate,
		Operator:        core.OpGreater,
		Threshold:       0.15,
		MinTransactions: 20,
		Severity:        core.SeverityWarning,
		Active:          true,
	}
}

func TestValidate(t *testing.T) {
	r := sampleRule()
	require.NoError(t, Validate(r))
	assert.NotEmpty(t, r.RuleID, "missing rule IDs get assigned")

	bad := sampleRule()
	bad.Metric = "THROUGHPUT"
	assert.ErrorIs(t, Validate(bad), core.ErrValidation)

	bad = sampleRule()
	bad.Threshold = 1.5
	assert.ErrorIs(t, Validate(bad), core.ErrValidation)

	vol := sampleRule()
	vol.Metric = core.MetricTotalVolume
	vol.Threshold = 500
	assert.NoError(t, Validate(vol))

	half := sampleRule()
	h := 9
	half.StartHour = &h
	assert.ErrorIs(t, Validate(half), core.ErrValidation)

	wrapped := sampleRule()
	start, end := 22, 6
	wrapped.StartHour, wrapped.EndHour = &start, &end
	require.NoError(t, Validate(wrapped))
	assert.True(t, wrapped.InWindow(time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)))
	assert.True(t, wrapped.InWindow(time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)))
	assert.False(t, wrapped.InWindow(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)))
}

func TestMemoryStoreCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	r := sampleRule()
	require.NoError(t, s.Create(ctx, r))

	got, err := s.Get(ctx, r.RuleID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, core.MetricErrorRate, got.Metric)

	require.NoError(t, s.SetActive(ctx, r.RuleID, false))
	active, err := s.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.ErrorIs(t, s.SetActive(ctx, "nope", true), core.ErrValidation)
}

func TestRegistrySnapshotStaleness(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	reg := NewRegistry(s, 10*time.Second)

	clock := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return clock }

	require.NoError(t, s.Create(ctx, sampleRule()))

	snap, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 1)

	// A rule written behind the registry's back is invisible until the
	// snapshot ages out.
	require.NoError(t, s.Create(ctx, sampleRule()))
	snap, err = reg.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 1)

	clock = clock.Add(11 * time.Second)
	snap, err = reg.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 2)
}

func TestRegistryWriteInvalidates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	reg := NewRegistry(s, time.Hour)

	snap, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)

	require.NoError(t, reg.Create(ctx, sampleRule()))
	snap, err = reg.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 1, "create bypasses the staleness bound")

	require.NoError(t, reg.SetActive(ctx, snap[0].RuleID, false))
	snap, err = reg.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

type failingStore struct {
	*MemoryStore
	fail bool
}

func (f *failingStore) List(ctx context.Context, includeInactive bool) ([]core.Rule, error) {
	if f.fail {
		return nil, errors.New("db down")
	}
	return f.MemoryStore.List(ctx, includeInactive)
}

func TestRegistryServesStaleOnRefreshFailure(t *testing.T) {
	fs := &failingStore{MemoryStore: NewMemoryStore()}
	ctx := context.Background()
	reg := NewRegistry(fs, time.Nanosecond)

	require.NoError(t, fs.Create(ctx, sampleRule()))
	snap, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)

	fs.fail = true
	time.Sleep(time.Millisecond)
	snap, err = reg.Snapshot(ctx)
	require.NoError(t, err, "stale snapshot beats a failed tick")
	assert.Len(t, snap, 1)
}
