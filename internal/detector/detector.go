// Package detector runs the periodic anomaly-detection loop: evaluate every
// active rule against the bucketed counters, confirm trends before alerting,
// open/update/suppress/recover incidents and hand fresh ones to the enricher.
package detector

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/paysentinel/backend/internal/config"
	"github.com/paysentinel/backend/internal/core"
	"github.com/paysentinel/backend/internal/eventlog"
	"github.com/paysentinel/backend/internal/incidents"
	"github.com/paysentinel/backend/internal/metrics"
	"github.com/paysentinel/backend/internal/rules"
	"github.com/paysentinel/backend/internal/telemetry"
)

// severityPromotionRate is the error rate beyond which any incident is
// opened CRITICAL regardless of the rule's configured severity.
const severityPromotionRate = 0.30

// stuckEnrichingAfter is how long an incident may sit in ENRICHING before the
// detector re-enqueues it (covers enrichment jobs dropped by a full queue).
const stuckEnrichingAfter = 2 * time.Minute

// recoveryLookback bounds the trailing-status recovery check; successes older
// than this never count toward closing an incident.
const recoveryLookback = 2 * time.Minute

// Detector is a single logical task per deployment; the Locker keeps two
// replicas from evaluating against the same incident store.
type Detector struct {
	registry *rules.Registry
	metrics  metrics.Store
	events   eventlog.Store
	store    incidents.Store
	locker   incidents.Locker
	enqueue  func(incidentID string) bool
	tel      *telemetry.Metrics
	logger   *log.Logger

	tickInterval      time.Duration
	tickBudget        time.Duration
	windowRate        time.Duration
	windowVolume      time.Duration
	minAdverse        int
	recoveryThreshold int
	cooldown          time.Duration

	now    func() time.Time
	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires a detector. enqueue hands incident IDs to the enricher and may
// be nil in tests.
func New(cfg *config.Config, registry *rules.Registry, ms metrics.Store, events eventlog.Store, store incidents.Store, locker incidents.Locker, enqueue func(string) bool, tel *telemetry.Metrics) *Detector {
	if enqueue == nil {
		enqueue = func(string) bool { return false }
	}
	return &Detector{
		registry: registry,
		metrics:  ms,
		events:   events,
		store:    store,
		locker:   locker,
		enqueue:  enqueue,
		tel:      tel,
		logger:   log.New(log.Writer(), "[DETECTOR] ", log.LstdFlags),

		tickInterval:      cfg.TickInterval,
		tickBudget:        cfg.TickBudget,
		windowRate:        cfg.WindowRate,
		windowVolume:      cfg.WindowVolume,
		minAdverse:        cfg.MinConsecErrs,
		recoveryThreshold: cfg.RecoveryThold,
		cooldown:          cfg.Cooldown,

		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run drives the tick loop until Stop. Ticks never overlap: a long tick
// delays the next one.
func (d *Detector) Run() {
	defer close(d.doneCh)
	d.logger.Printf("🔍 Detection loop started (tick %s, window %s)", d.tickInterval, d.windowRate)

	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.tick()
		case <-d.stopCh:
			d.logger.Printf("Detection loop stopped")
			return
		}
	}
}

// Stop signals the loop and waits for the in-flight tick to finish.
func (d *Detector) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Detector) tick() {
	started := d.now()
	ctx, cancel := context.WithTimeout(context.Background(), d.tickBudget)
	defer cancel()

	release, acquired, err := d.locker.TryLock(ctx)
	if err != nil {
		d.logger.Printf("❌ Leader lock: %v", err)
		d.recordTick("failed", 0)
		return
	}
	if !acquired {
		d.recordTick("skipped_lock", 0)
		return
	}
	defer release()

	if err := d.RunTick(ctx, started); err != nil {
		d.logger.Printf("❌ Tick failed: %v", err)
		d.recordTick("failed", 0)
		return
	}
	d.recordTick("run", time.Since(started).Seconds())
}

func (d *Detector) recordTick(outcome string, seconds float64) {
	if d.tel != nil {
		d.tel.RecordTick(outcome, seconds)
	}
}

// RunTick evaluates every active rule once. Per-rule failures are logged and
// skipped; they never abort the tick.
func (d *Detector) RunTick(ctx context.Context, now time.Time) error {
	snapshot, err := d.registry.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("rule snapshot: %w", err)
	}

	for i := range snapshot {
		r := &snapshot[i]
		if err := d.evaluateRule(ctx, r, now); err != nil {
			d.logger.Printf("⚠️  Rule %s skipped this tick: %v", r.RuleID, err)
			if d.tel != nil {
				d.tel.RuleFailures.Inc()
			}
		}
		if d.tel != nil {
			d.tel.RulesEvaluated.Inc()
		}
	}

	d.requeueStuck(ctx, now)
	return nil
}

// windowCounts is the per-minute status histogram for a rule's dimension.
type windowCounts struct {
	succeeded []int64
	declined  []int64
	errored   []int64
	created   []int64
	rejected  []int64
	buckets   int
}

func (w *windowCounts) sum(s []int64) int64 {
	var t int64
	for _, v := range s {
		t += v
	}
	return t
}

// rateDenom excludes CREATED (in flight) and REJECTED (gateway refusal)
// from rate denominators.
func (w *windowCounts) rateDenom(i int) int64 {
	return w.succeeded[i] + w.declined[i] + w.errored[i]
}

func (w *windowCounts) volumeAt(i int) int64 {
	return w.rateDenom(i) + w.created[i] + w.rejected[i]
}

func (d *Detector) loadWindow(ctx context.Context, dim core.DimensionKey, from, to time.Time) (*windowCounts, error) {
	var w windowCounts
	for _, q := range []struct {
		status core.Status
		dst    *[]int64
	}{
		{core.StatusSucceeded, &w.succeeded},
		{core.StatusDeclined, &w.declined},
		{core.StatusError, &w.errored},
		{core.StatusCreated, &w.created},
		{core.StatusRejected, &w.rejected},
	} {
		counts, err := d.metrics.RangeCounts(ctx, dim.WithStatus(q.status), from, to)
		if err != nil {
			return nil, err
		}
		*q.dst = counts
	}
	w.buckets = len(w.succeeded)
	return &w, nil
}

// observe computes the per-window observed value and per-minute traffic and
// firing masks for the trend check.
func (d *Detector) observe(r *core.Rule, w *windowCounts) (observed float64, total, adverse int64, traffic, fired []bool) {
	traffic = make([]bool, w.buckets)
	fired = make([]bool, w.buckets)

	var succ, decl, errs, volume int64
	for i := 0; i < w.buckets; i++ {
		succ += w.succeeded[i]
		decl += w.declined[i]
		errs += w.errored[i]
		volume += w.volumeAt(i)

		var minuteObserved float64
		var minuteTraffic bool
		if r.Metric == core.MetricTotalVolume {
			minuteTraffic = w.volumeAt(i) > 0
			minuteObserved = float64(w.volumeAt(i))
		} else {
			denom := w.rateDenom(i)
			minuteTraffic = denom > 0
			if denom > 0 {
				switch r.Metric {
				case core.MetricApprovalRate:
					minuteObserved = float64(w.succeeded[i]) / float64(denom)
				case core.MetricErrorRate:
					minuteObserved = float64(w.errored[i]) / float64(denom)
				case core.MetricDeclineRate:
					minuteObserved = float64(w.declined[i]) / float64(denom)
				}
			}
		}
		traffic[i] = minuteTraffic
		fired[i] = minuteTraffic && r.Operator.Compare(minuteObserved, r.Threshold)
	}

	denom := succ + decl + errs
	switch r.Metric {
	case core.MetricApprovalRate:
		total = denom
		adverse = decl + errs
		if denom > 0 {
			observed = float64(succ) / float64(denom)
		}
	case core.MetricErrorRate:
		total = denom
		adverse = errs
		if denom > 0 {
			observed = float64(errs) / float64(denom)
		}
	case core.MetricDeclineRate:
		total = denom
		adverse = decl
		if denom > 0 {
			observed = float64(decl) / float64(denom)
		}
	case core.MetricTotalVolume:
		total = volume
		adverse = volume
		observed = float64(volume)
	}
	return observed, total, adverse, traffic, fired
}

func (d *Detector) window(metric core.MetricType) time.Duration {
	if metric == core.MetricTotalVolume {
		return d.windowVolume
	}
	return d.windowRate
}

func (d *Detector) evaluateRule(ctx context.Context, r *core.Rule, now time.Time) error {
	dim := r.Dimension()
	W := d.window(r.Metric)
	from := now.Add(-W)

	w, err := d.loadWindow(ctx, dim, from, now)
	if err != nil {
		return fmt.Errorf("load window: %w", err)
	}
	observed, total, adverse, traffic, fired := d.observe(r, w)

	// Guard clauses, in order: sample floor then hour window.
	if total < int64(r.MinTransactions) {
		return nil
	}
	if !r.InWindow(now) {
		return nil
	}

	if r.Operator.Compare(observed, r.Threshold) {
		return d.handleFiring(ctx, r, dim, now, from, observed, adverse, traffic, fired)
	}
	return d.handleRecovery(ctx, r, dim, now, observed)
}

// trendConfirmed is the anti-flap gate: the per-minute condition must hold in
// at least 60% of traffic-bearing minutes, at least 3 of which must exist
// (shorter windows waive that floor), the adverse count must clear the
// configured minimum, and a signal confined to the latest minute is ignored.
func (d *Detector) trendConfirmed(adverse int64, traffic, fired []bool) bool {
	if adverse < int64(d.minAdverse) {
		return false
	}

	trafficMinutes, firedMinutes, lastTraffic, lastFired := 0, 0, -1, -1
	for i := range traffic {
		if traffic[i] {
			trafficMinutes++
			lastTraffic = i
		}
		if fired[i] {
			firedMinutes++
			lastFired = i
		}
	}

	required := 3
	if len(traffic) < required {
		required = len(traffic)
	}
	if trafficMinutes < required {
		return false
	}
	if firedMinutes == 1 && lastFired == lastTraffic && trafficMinutes > 1 {
		return false // single spike in the freshest minute
	}
	return float64(firedMinutes) >= 0.6*float64(trafficMinutes)
}

func (d *Detector) handleFiring(ctx context.Context, r *core.Rule, dim core.DimensionKey, now, from time.Time, observed float64, adverse int64, traffic, fired []bool) error {
	active, err := d.store.GetActive(ctx, r.RuleID, dim)
	if err != nil {
		return err
	}
	if active != nil {
		return d.updateInPlace(ctx, active, r, dim, now, from, observed, adverse)
	}

	if !d.trendConfirmed(adverse, traffic, fired) {
		return nil
	}

	// Cooldown: a recent closure for the same pair suppresses re-opening.
	lastClosed, err := d.store.LastClosedAt(ctx, r.RuleID, dim)
	if err != nil {
		return err
	}
	if lastClosed != nil && now.Sub(*lastClosed) < d.cooldown {
		return d.suppress(ctx, r, dim, now, observed, adverse)
	}

	return d.open(ctx, r, dim, now, from, observed, adverse)
}

func (d *Detector) updateInPlace(ctx context.Context, inc *core.Incident, r *core.Rule, dim core.DimensionKey, now, from time.Time, observed float64, adverse int64) error {
	revenue, err := d.events.RevenueAtRisk(ctx, dim, r.Metric.AdverseStatuses(), from, now)
	if err != nil {
		return err
	}
	inc.ObservedValue = observed
	inc.AffectedTransactions = int(adverse)
	inc.RevenueAtRiskUSD = revenue
	inc.LastEvaluatedAt = now
	return d.store.Update(ctx, inc)
}

func (d *Detector) suppress(ctx context.Context, r *core.Rule, dim core.DimensionKey, now time.Time, observed float64, adverse int64) error {
	closedAt := now.UTC()
	marker := &core.Incident{
		IncidentID:           uuid.NewString(),
		RuleID:               r.RuleID,
		Dimension:            dim,
		Title:                d.title(r, dim),
		State:                core.IncidentSuppressed,
		Severity:             r.Severity,
		OpenedAt:             now,
		LastEvaluatedAt:      now,
		ClosedAt:             &closedAt,
		ObservedValue:        observed,
		AffectedTransactions: int(adverse),
		// Markers are born terminal and never enter the enrichment pool.
		EnrichmentStatus: core.EnrichmentFailed,
	}
	if err := d.store.Create(ctx, marker); err != nil {
		return err
	}
	d.logger.Printf("🔕 Suppressed re-fire for rule %s on %s (cooldown)", r.RuleID, dim)
	if d.tel != nil {
		d.tel.Suppressions.Inc()
	}
	return nil
}

// title renders "STRIPE MX - High Error Rate", falling back through the
// dimension positions for merchant-only or global rules.
func (d *Detector) title(r *core.Rule, dim core.DimensionKey) string {
	scope := dim.Provider()
	if scope == "" {
		scope = dim.Merchant()
	}
	if scope == "" {
		scope = "GLOBAL"
	}
	if c := dim.Country(); c != "" {
		scope += " " + c
	}
	return fmt.Sprintf("%s - %s", scope, r.Metric.Description())
}

func (d *Detector) open(ctx context.Context, r *core.Rule, dim core.DimensionKey, now, from time.Time, observed float64, adverse int64) error {
	revenue, err := d.events.RevenueAtRisk(ctx, dim, r.Metric.AdverseStatuses(), from, now)
	if err != nil {
		return err
	}
	rcb, err := d.metrics.SideSums(ctx, dim.SidePrefix(), from, now)
	if err != nil {
		return err
	}
	issuerRows, err := d.events.IssuerBreakdown(ctx, dim, from, now, 3)
	if err != nil {
		return err
	}
	adviceCodes, err := d.events.AdviceCodes(ctx, dim, from, now)
	if err != nil {
		return err
	}

	diag := &diagnosis{
		Provider:      dim.Provider(),
		Country:       dim.Country(),
		Metric:        r.Metric,
		AdverseCount:  int(adverse),
		ResponseCodes: rcb,
		IssuerRows:    issuerRows,
		AdviceCodes:   adviceCodes,
	}
	cause, action := determineRootCause(diag)

	severity := r.Severity
	if r.Metric == core.MetricErrorRate && observed > severityPromotionRate {
		severity = core.SeverityCritical
	}

	inc := &core.Incident{
		IncidentID:            uuid.NewString(),
		RuleID:                r.RuleID,
		Dimension:             dim,
		Title:                 d.title(r, dim),
		State:                 core.IncidentOpen,
		Severity:              severity,
		OpenedAt:              now,
		LastEvaluatedAt:       now,
		ObservedValue:         observed,
		AffectedTransactions:  int(adverse),
		RevenueAtRiskUSD:      revenue,
		ResponseCodeBreakdown: rcb,
		IssuerBreakdown:       issuerRows,
		RootCause:             cause,
		SuggestedAction:       action,
		EnrichmentStatus:      core.EnrichmentPending,
		ConfidenceScore:       confidenceScore(diag),
	}
	if sla := d.slaCountdown(ctx, dim, severity); sla != nil {
		inc.SLABreachCountdownSec = sla
	}

	if err := d.store.Create(ctx, inc); err != nil {
		return err
	}
	d.logger.Printf("🚨 ALERT TRIGGERED - %s: %s - %s (%d txns, $%.2f at risk)",
		inc.IncidentID, severity, inc.Title, inc.AffectedTransactions, revenue)
	if d.tel != nil {
		d.tel.IncidentsOpened.WithLabelValues(string(severity)).Inc()
	}

	if _, err := d.store.SetState(ctx, inc.IncidentID, core.IncidentOpen, core.IncidentEnriching, now); err != nil {
		return err
	}
	d.enqueue(inc.IncidentID)
	return nil
}

// slaCountdown is set for CRITICAL incidents: the merchant's configured SLA
// when a baseline exists, 300 seconds otherwise.
func (d *Detector) slaCountdown(ctx context.Context, dim core.DimensionKey, severity core.Severity) *int {
	if severity != core.SeverityCritical {
		return nil
	}
	seconds := 300
	if merchant := dim.Merchant(); merchant != "" {
		if baseline, err := d.store.MerchantBaseline(ctx, merchant); err == nil && baseline != nil {
			seconds = baseline.SLAMinutes * 60
		}
	}
	return &seconds
}

func (d *Detector) handleRecovery(ctx context.Context, r *core.Rule, dim core.DimensionKey, now time.Time, observed float64) error {
	active, err := d.store.GetActive(ctx, r.RuleID, dim)
	if err != nil {
		return err
	}
	if active == nil {
		return nil
	}

	recovered := false
	if r.Metric == core.MetricTotalVolume {
		// Volume back on the healthy side of the threshold is the recovery
		// signal itself.
		recovered = true
	} else {
		statuses, err := d.events.RecentStatuses(ctx, dim, now.Add(-recoveryLookback), d.recoveryThreshold)
		if err != nil {
			return err
		}
		if len(statuses) >= d.recoveryThreshold {
			recovered = true
			for _, st := range statuses {
				if st != core.StatusSucceeded {
					recovered = false
					break
				}
			}
		}
	}
	if !recovered {
		return nil
	}

	if err := incidents.Transition(active, core.IncidentRecovered, now); err != nil {
		return err
	}
	active.ObservedValue = observed
	active.LastEvaluatedAt = now
	if err := d.store.Update(ctx, active); err != nil {
		return err
	}
	d.logger.Printf("✅ RECOVERY: incident %s closed (%s)", active.IncidentID, active.Title)
	if d.tel != nil {
		d.tel.IncidentsClosed.Inc()
	}
	return nil
}

// requeueStuck re-enqueues ENRICHING incidents that have waited longer than
// the grace period, covering jobs dropped when the enrichment queue was full.
func (d *Detector) requeueStuck(ctx context.Context, now time.Time) {
	stuck, err := d.store.List(ctx, incidents.ListFilter{
		States: []core.IncidentState{core.IncidentEnriching},
	})
	if err != nil {
		d.logger.Printf("⚠️  Stuck-enrichment scan failed: %v", err)
		return
	}
	for i := range stuck {
		if now.Sub(stuck[i].OpenedAt) > stuckEnrichingAfter {
			d.enqueue(stuck[i].IncidentID)
		}
	}
}
