package enricher

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/paysentinel/backend/internal/core"
	"github.com/paysentinel/backend/internal/eventlog"
	"github.com/paysentinel/backend/internal/incidents"
	"github.com/paysentinel/backend/internal/llm"
	"github.com/paysentinel/backend/internal/telemetry"
)

// Pool is the enrichment worker pool. The detector enqueues incident IDs;
// workers pull, enrich and move the incident to NOTIFIED.
type Pool struct {
	store   incidents.Store
	events  eventlog.Store
	client  llm.Client
	queue   chan string
	wg      sync.WaitGroup
	logger  *log.Logger
	timeout time.Duration // per-attempt LLM deadline
	window  time.Duration // lookback for advice codes, matches the rate window
	tel     *telemetry.Metrics
	now     func() time.Time

	// OnDone fires after an incident finishes enrichment, mainly for tests
	// and metrics. May be nil.
	OnDone func(incidentID string, status core.EnrichmentStatus)
}

// NewPool starts workers goroutines draining a queue of depth 100.
func NewPool(store incidents.Store, events eventlog.Store, client llm.Client, workers int, timeout, window time.Duration, tel *telemetry.Metrics) *Pool {
	if workers <= 0 {
		workers = 4
	}
	p := &Pool{
		store:   store,
		events:  events,
		client:  client,
		queue:   make(chan string, 100),
		logger:  log.New(log.Writer(), "[ENRICH] ", log.LstdFlags),
		timeout: timeout,
		window:  window,
		tel:     tel,
		now:     time.Now,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Enqueue hands an incident to the pool. A full queue drops the job; the
// incident then rides the next detector tick's re-enqueue of stuck
// ENRICHING incidents.
func (p *Pool) Enqueue(incidentID string) bool {
	select {
	case p.queue <- incidentID:
		return true
	default:
		p.logger.Printf("⚠️  Enrichment queue full, dropping incident %s", incidentID)
		return false
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for id := range p.queue {
		p.enrich(id)
	}
}

func (p *Pool) enrich(incidentID string) {
	// No deadline here: each LLM attempt carries its own inside generate,
	// and the backoff between attempts must not eat into it.
	ctx := context.Background()
	started := time.Now()

	inc, err := p.store.Get(ctx, incidentID)
	if err != nil {
		p.logger.Printf("❌ Load incident %s: %v", incidentID, err)
		return
	}
	if inc == nil || inc.State != core.IncidentEnriching {
		return // recovered or suppressed before a worker got to it
	}

	in := p.promptInput(ctx, inc)
	text, genErr := p.generate(ctx, BuildPrompt(in))

	status := core.EnrichmentSucceeded
	explanation := &text
	if genErr != nil {
		// Notification must not wait on the LLM: the incident goes out with a
		// null explanation and the templated summary lands in the log.
		p.logger.Printf("⚠️  LLM enrichment failed for %s: %v", incidentID, genErr)
		p.logger.Printf("%s", FallbackExplanation(in))
		explanation = nil
		status = core.EnrichmentFailed
	}

	if err := p.store.SetEnrichment(ctx, incidentID, explanation, status); err != nil {
		p.logger.Printf("❌ Persist enrichment for %s: %v", incidentID, err)
	}

	moved, err := p.store.SetState(ctx, incidentID, core.IncidentEnriching, core.IncidentNotified, p.now())
	if err != nil {
		p.logger.Printf("❌ Notify transition for %s: %v", incidentID, err)
	} else if moved {
		p.logger.Printf("📣 Incident %s notified (enrichment %s)", incidentID, status)
	}

	if p.tel != nil {
		p.tel.RecordEnrichment(string(status), time.Since(started).Seconds())
	}
	if p.OnDone != nil {
		p.OnDone(incidentID, status)
	}
}

// promptInput assembles the LLM context from the incident's stored impact
// data plus a fresh advice-code count over the evaluation window.
func (p *Pool) promptInput(ctx context.Context, inc *core.Incident) PromptInput {
	in := PromptInput{
		Provider:      inc.Dimension.Provider(),
		Country:       inc.Dimension.Country(),
		ErrorCount:    inc.AffectedTransactions,
		RevenueAtRisk: inc.RevenueAtRiskUSD,
		WindowMinutes: int(p.window / time.Minute),
	}
	if len(inc.IssuerBreakdown) > 0 {
		in.IssuerName = inc.IssuerBreakdown[0].IssuerName
		in.SubStatuses = inc.IssuerBreakdown[0].SubStatuses
	}

	codes, err := p.events.AdviceCodes(ctx, inc.Dimension, p.now().Add(-p.window), p.now())
	if err != nil {
		p.logger.Printf("⚠️  Advice codes for %s: %v", inc.IncidentID, err)
		return in
	}
	var best int64
	for code, n := range codes {
		if n > best {
			best, in.AdviceCode = n, code
		}
	}
	return in
}

// generate calls the LLM with one retry budget: up to 2 retries on transient
// failures, exponential backoff starting at 1s. Permanent errors bail out
// immediately.
func (p *Pool) generate(ctx context.Context, prompt string) (string, error) {
	var text string
	backoff := retry.WithMaxRetries(2, retry.NewExponential(1*time.Second))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		out, err := p.client.Generate(attemptCtx, prompt)
		if err != nil {
			if errors.Is(err, core.ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
				return retry.RetryableError(err)
			}
			return err
		}
		text = out
		return nil
	})
	return text, err
}

// Shutdown drains the queue and waits for in-flight enrichments.
func (p *Pool) Shutdown() {
	close(p.queue)
	p.wg.Wait()
}
