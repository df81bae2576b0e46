package detector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paysentinel/backend/internal/config"
	"github.com/paysentinel/backend/internal/core"
	"github.com/paysentinel/backend/internal/eventlog"
	"github.com/paysentinel/backend/internal/incidents"
	"github.com/paysentinel/backend/internal/metrics"
	"github.com/paysentinel/backend/internal/rules"
)

type harness struct {
	detector *Detector
	rules    *rules.MemoryStore
	metrics  *metrics.MemoryStore
	events   *eventlog.MemoryStore
	store    *incidents.MemoryStore
	enqueued []string
	eventSeq int
}

func testConfig() *config.Config {
	return &config.Config{
		TickInterval:  10 * time.Second,
		TickBudget:    8 * time.Second,
		RuleRefresh:   10 * time.Second,
		WindowRate:    10 * time.Minute,
		WindowVolume:  1 * time.Minute,
		MinConsecErrs: 8,
		RecoveryThold: 5,
		Cooldown:      10 * time.Minute,
		BucketTTL:     time.Hour,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rules:   rules.NewMemoryStore(),
		metrics: metrics.NewMemoryStore(time.Hour),
		events:  eventlog.NewMemoryStore(),
		store:   incidents.NewMemoryStore(),
	}
	t.Cleanup(func() { h.metrics.Close() })

	reg := rules.NewRegistry(h.rules, 10*time.Second)
	h.detector = New(testConfig(), reg, h.metrics, h.events, h.store, &incidents.MemoryLocker{},
		func(id string) bool { h.enqueued = append(h.enqueued, id); return true }, nil)
	return h
}

func (h *harness) addRule(t *testing.T, r *core.Rule) *core.Rule {
	t.Helper()
	require.NoError(t, h.rules.Create(context.Background(), r))
	return r
}

func errorRateRule() *core.Rule {
	return &core.Rule{
		MerchantID:      "merchant_shopito",
		Country:         "MX",
		Provider:        "STRIPE",
		Metric:          core.MetricErrorRate,
		Operator:        core.OpGreater,
		Threshold:       0.10,
		MinTransactions: 30,
		Severity:        core.SeverityWarning,
		Active:          true,
	}
}

// feedMinute pushes count events of one status into the counters and the
// event log at the given minute.
func (h *harness) feedMinute(t *testing.T, dim core.DimensionKey, status core.Status, at time.Time, count int, amountUSD float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.metrics.Incr(ctx, dim.WithStatus(status), at, int64(count)))
	for i := 0; i < count; i++ {
		h.eventSeq++
		require.NoError(t, h.events.Append(ctx, &core.Event{
			EventID:    fmt.Sprintf("ev-%d", h.eventSeq),
			ReceivedAt: at.Add(time.Duration(i) * time.Second),
			MerchantID: dim.Merchant(),
			ProviderID: dim.Provider(),
			Country:    dim.Country(),
			Status:     status,
			AmountUSD:  amountUSD,
		}))
	}
}

func (h *harness) runTick(t *testing.T, now time.Time) {
	t.Helper()
	require.NoError(t, h.detector.RunTick(context.Background(), now))
}

func (h *harness) allIncidents(t *testing.T) []core.Incident {
	t.Helper()
	out, err := h.store.List(context.Background(), incidents.ListFilter{})
	require.NoError(t, err)
	return out
}

var tickAt = time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)

func TestSampleFloorBlocksIncident(t *testing.T) {
	h := newHarness(t)
	rule := h.addRule(t, errorRateRule())
	dim := rule.Dimension()

	// 28 SUCCEEDED + 2 ERROR over 3 minutes: under the floor and under the
	// threshold either way.
	for m := 1; m <= 3; m++ {
		at := tickAt.Add(-time.Duration(m) * time.Minute)
		h.feedMinute(t, dim, core.StatusSucceeded, at, 9, 20)
	}
	h.feedMinute(t, dim, core.StatusError, tickAt.Add(-2*time.Minute), 2, 20)
	h.metrics.Incr(context.Background(), dim.WithStatus(core.StatusSucceeded), tickAt.Add(-time.Minute), 1)

	h.runTick(t, tickAt)
	assert.Empty(t, h.allIncidents(t))
}

func TestPersistentErrorOpensWarning(t *testing.T) {
	h := newHarness(t)
	rule := h.addRule(t, errorRateRule())
	dim := rule.Dimension()

	// 70 SUCCEEDED + 30 ERROR + 20 DECLINED spread evenly across 10 minutes.
	for m := 1; m <= 10; m++ {
		at := tickAt.Add(-time.Duration(m) * time.Minute)
		h.feedMinute(t, dim, core.StatusSucceeded, at, 7, 25)
		h.feedMinute(t, dim, core.StatusError, at, 3, 10)
		h.feedMinute(t, dim, core.StatusDeclined, at, 2, 50)
	}

	h.runTick(t, tickAt)

	all := h.allIncidents(t)
	require.Len(t, all, 1)
	inc := all[0]
	assert.Equal(t, core.IncidentEnriching, inc.State, "fresh incidents go straight to the enricher")
	assert.Equal(t, core.SeverityWarning, inc.Severity)
	assert.InDelta(t, 0.25, inc.ObservedValue, 1e-9, "30 errors over 120 settled")
	assert.Equal(t, 30, inc.AffectedTransactions)
	assert.InDelta(t, 300.0, inc.RevenueAtRiskUSD, 1e-9,
		"sum of the 30 ERROR amounts; declined traffic stays out of ERROR_RATE revenue")
	assert.Equal(t, "STRIPE MX - High Error Rate", inc.Title)
	assert.Equal(t, []string{inc.IncidentID}, h.enqueued)
	assert.Nil(t, inc.SLABreachCountdownSec, "WARNING incidents carry no SLA countdown")
}

func TestHighErrorRatePromotesToCritical(t *testing.T) {
	h := newHarness(t)
	rule := h.addRule(t, errorRateRule())
	dim := rule.Dimension()

	for m := 1; m <= 10; m++ {
		at := tickAt.Add(-time.Duration(m) * time.Minute)
		h.feedMinute(t, dim, core.StatusSucceeded, at, 4, 25)
		h.feedMinute(t, dim, core.StatusError, at, 6, 10)
	}

	h.runTick(t, tickAt)

	all := h.allIncidents(t)
	require.Len(t, all, 1)
	assert.Equal(t, core.SeverityCritical, all[0].Severity)
	assert.InDelta(t, 0.60, all[0].ObservedValue, 1e-9)
	require.NotNil(t, all[0].SLABreachCountdownSec)
	assert.Equal(t, 300, *all[0].SLABreachCountdownSec)
}

func TestFiringUpdatesInPlaceNoDuplicate(t *testing.T) {
	h := newHarness(t)
	rule := h.addRule(t, errorRateRule())
	dim := rule.Dimension()

	for m := 1; m <= 10; m++ {
		at := tickAt.Add(-time.Duration(m) * time.Minute)
		h.feedMinute(t, dim, core.StatusSucceeded, at, 7, 25)
		h.feedMinute(t, dim, core.StatusError, at, 3, 10)
	}
	h.runTick(t, tickAt)
	require.Len(t, h.allIncidents(t), 1)
	first := h.allIncidents(t)[0]

	// More errors arrive; next tick must update the same incident.
	h.feedMinute(t, dim, core.StatusError, tickAt, 10, 10)
	later := tickAt.Add(30 * time.Second)
	h.runTick(t, later)

	all := h.allIncidents(t)
	require.Len(t, all, 1, "no duplicate incident for an active pair")
	assert.Equal(t, first.IncidentID, all[0].IncidentID)
	assert.Equal(t, 40, all[0].AffectedTransactions)
	assert.Equal(t, later, all[0].LastEvaluatedAt)
	assert.True(t, all[0].ObservedValue > first.ObservedValue)
}

func TestSingleSpikeInLatestMinuteIgnored(t *testing.T) {
	h := newHarness(t)
	rule := h.addRule(t, errorRateRule())
	dim := rule.Dimension()

	// Healthy traffic for 9 minutes, one burst of errors in the latest.
	for m := 2; m <= 10; m++ {
		at := tickAt.Add(-time.Duration(m) * time.Minute)
		h.feedMinute(t, dim, core.StatusSucceeded, at, 10, 25)
	}
	h.feedMinute(t, dim, core.StatusError, tickAt.Add(-time.Minute), 12, 10)

	h.runTick(t, tickAt)
	assert.Empty(t, h.allIncidents(t), "single latest-minute spike must not alert")
}

func TestAdverseFloorBlocksIncident(t *testing.T) {
	h := newHarness(t)
	rule := errorRateRule()
	rule.MinTransactions = 10
	h.addRule(t, rule)
	dim := rule.Dimension()

	// Rate clears the threshold every minute but only 5 adverse events total,
	// under MIN_CONSECUTIVE_ERRORS=8.
	for m := 1; m <= 5; m++ {
		at := tickAt.Add(-time.Duration(m) * time.Minute)
		h.feedMinute(t, dim, core.StatusSucceeded, at, 3, 25)
		h.feedMinute(t, dim, core.StatusError, at, 1, 10)
	}

	h.runTick(t, tickAt)
	assert.Empty(t, h.allIncidents(t))
}

func TestRecoveryClosesIncident(t *testing.T) {
	h := newHarness(t)
	rule := h.addRule(t, errorRateRule())
	dim := rule.Dimension()

	for m := 1; m <= 10; m++ {
		at := tickAt.Add(-time.Duration(m) * time.Minute)
		h.feedMinute(t, dim, core.StatusSucceeded, at, 7, 25)
		h.feedMinute(t, dim, core.StatusError, at, 3, 10)
	}
	h.runTick(t, tickAt)
	require.Len(t, h.allIncidents(t), 1)

	// Traffic turns healthy: the window rate drops below the threshold and
	// the freshest events are all SUCCEEDED.
	recoverAt := tickAt.Add(10 * time.Minute)
	for m := 1; m <= 10; m++ {
		at := recoverAt.Add(-time.Duration(m) * time.Minute)
		h.feedMinute(t, dim, core.StatusSucceeded, at, 10, 25)
	}
	h.runTick(t, recoverAt)

	all := h.allIncidents(t)
	require.Len(t, all, 1)
	assert.Equal(t, core.IncidentRecovered, all[0].State)
	require.NotNil(t, all[0].ClosedAt)
	assert.False(t, all[0].ClosedAt.Before(all[0].OpenedAt))
}

func TestStaleSuccessesDoNotCloseIncident(t *testing.T) {
	h := newHarness(t)
	rule := h.addRule(t, errorRateRule())
	dim := rule.Dimension()

	for m := 1; m <= 10; m++ {
		at := tickAt.Add(-time.Duration(m) * time.Minute)
		h.feedMinute(t, dim, core.StatusSucceeded, at, 7, 25)
		h.feedMinute(t, dim, core.StatusError, at, 3, 10)
	}
	h.runTick(t, tickAt)
	require.Len(t, h.allIncidents(t), 1)

	// Healthy traffic, but all of it older than the trailing-status lookback:
	// the window rate drops, yet the incident must stay open until recent
	// events confirm the recovery.
	staleAt := tickAt.Add(20 * time.Minute)
	for m := 3; m <= 10; m++ {
		at := staleAt.Add(-time.Duration(m) * time.Minute)
		h.feedMinute(t, dim, core.StatusSucceeded, at, 10, 25)
	}
	h.runTick(t, staleAt)

	all := h.allIncidents(t)
	require.Len(t, all, 1)
	assert.Equal(t, core.IncidentEnriching, all[0].State, "old successes alone must not close the incident")

	// A fresh minute of successes inside the lookback closes it.
	freshAt := staleAt.Add(time.Minute)
	h.feedMinute(t, dim, core.StatusSucceeded, freshAt.Add(-time.Minute), 10, 25)
	h.runTick(t, freshAt)

	all = h.allIncidents(t)
	require.Len(t, all, 1)
	assert.Equal(t, core.IncidentRecovered, all[0].State)
}

func TestCooldownSuppressesReFire(t *testing.T) {
	h := newHarness(t)
	rule := h.addRule(t, errorRateRule())
	dim := rule.Dimension()

	for m := 1; m <= 10; m++ {
		at := tickAt.Add(-time.Duration(m) * time.Minute)
		h.feedMinute(t, dim, core.StatusSucceeded, at, 7, 25)
		h.feedMinute(t, dim, core.StatusError, at, 3, 10)
	}
	h.runTick(t, tickAt)

	recoverAt := tickAt.Add(10 * time.Minute)
	for m := 1; m <= 10; m++ {
		at := recoverAt.Add(-time.Duration(m) * time.Minute)
		h.feedMinute(t, dim, core.StatusSucceeded, at, 10, 25)
	}
	h.runTick(t, recoverAt)

	// Re-fire 8 minutes after the close, inside the 10-minute cooldown.
	refireAt := recoverAt.Add(8 * time.Minute)
	for m := 1; m <= 8; m++ {
		at := refireAt.Add(-time.Duration(m) * time.Minute)
		h.feedMinute(t, dim, core.StatusError, at, 10, 10)
	}
	h.runTick(t, refireAt)

	suppressed, err := h.store.List(context.Background(), incidents.ListFilter{
		States: []core.IncidentState{core.IncidentSuppressed},
	})
	require.NoError(t, err)
	require.Len(t, suppressed, 1, "re-fire inside cooldown leaves a SUPPRESSED marker")
	assert.Equal(t, core.EnrichmentFailed, suppressed[0].EnrichmentStatus,
		"markers are terminal and never wait on enrichment")

	open, err := h.store.List(context.Background(), incidents.ListFilter{
		States: []core.IncidentState{core.IncidentOpen, core.IncidentEnriching, core.IncidentNotified},
	})
	require.NoError(t, err)
	assert.Empty(t, open, "no new live incident during cooldown")
}

func TestTimeBoundedRuleSkipsOutsideWindow(t *testing.T) {
	h := newHarness(t)
	rule := errorRateRule()
	start, end := 9, 18
	rule.StartHour, rule.EndHour = &start, &end
	h.addRule(t, rule)
	dim := rule.Dimension()

	nightTick := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)
	for m := 1; m <= 10; m++ {
		at := nightTick.Add(-time.Duration(m) * time.Minute)
		h.feedMinute(t, dim, core.StatusSucceeded, at, 5, 25)
		h.feedMinute(t, dim, core.StatusError, at, 5, 10)
	}

	h.runTick(t, nightTick)
	assert.Empty(t, h.allIncidents(t), "satisfying traffic at 03:00 UTC is outside [9,18)")
}

func TestVolumeRuleFiresAndRecovers(t *testing.T) {
	h := newHarness(t)
	rule := &core.Rule{
		MerchantID:      "merchant_shopito",
		Country:         "MX",
		Provider:        "STRIPE",
		Metric:          core.MetricTotalVolume,
		Operator:        core.OpGreater,
		Threshold:       50,
		MinTransactions: 10,
		Severity:        core.SeverityWarning,
		Active:          true,
	}
	h.addRule(t, rule)
	dim := rule.Dimension()

	h.feedMinute(t, dim, core.StatusSucceeded, tickAt.Add(-time.Minute), 60, 20)
	h.runTick(t, tickAt)

	all := h.allIncidents(t)
	require.Len(t, all, 1)
	assert.Equal(t, core.IncidentEnriching, all[0].State)
	assert.InDelta(t, 60.0, all[0].ObservedValue, 1e-9)

	// Volume back under the threshold recovers immediately.
	calmAt := tickAt.Add(5 * time.Minute)
	h.feedMinute(t, dim, core.StatusSucceeded, calmAt.Add(-time.Minute), 20, 20)
	h.runTick(t, calmAt)

	all = h.allIncidents(t)
	require.Len(t, all, 1)
	assert.Equal(t, core.IncidentRecovered, all[0].State)
}

func TestRegisteredBaselineDrivesSLACountdown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.UpsertBaseline(context.Background(), &core.MerchantBaseline{
		MerchantID: "merchant_shopito",
		SLAMinutes: 15,
	}))
	rule := h.addRule(t, errorRateRule())
	dim := rule.Dimension()

	for m := 1; m <= 10; m++ {
		at := tickAt.Add(-time.Duration(m) * time.Minute)
		h.feedMinute(t, dim, core.StatusSucceeded, at, 4, 25)
		h.feedMinute(t, dim, core.StatusError, at, 6, 10)
	}
	h.runTick(t, tickAt)

	all := h.allIncidents(t)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].SLABreachCountdownSec)
	assert.Equal(t, 15*60, *all[0].SLABreachCountdownSec)
}
