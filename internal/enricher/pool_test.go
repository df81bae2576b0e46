package enricher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paysentinel/backend/internal/core"
	"github.com/paysentinel/backend/internal/eventlog"
	"github.com/paysentinel/backend/internal/incidents"
	"github.com/paysentinel/backend/internal/telemetry"
)

type stubLLM struct {
	mu       sync.Mutex
	calls    int
	failures int   // first N calls fail
	err      error // error returned by failing calls
	text     string
}

func (s *stubLLM) Name() string { return "stub" }

func (s *stubLLM) Generate(_ context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return "", s.err
	}
	return s.text, nil
}

func seedIncident(t *testing.T, store incidents.Store) *core.Incident {
	t.Helper()
	inc := &core.Incident{
		IncidentID:           "inc-1",
		RuleID:               "rule-1",
		Dimension:            core.NewDimensionKey("merchant_shopito", "MX", "STRIPE", "", ""),
		Title:                "STRIPE MX - High Error Rate",
		State:                core.IncidentEnriching,
		Severity:             core.SeverityWarning,
		OpenedAt:             time.Now().UTC(),
		LastEvaluatedAt:      time.Now().UTC(),
		AffectedTransactions: 12,
		RevenueAtRiskUSD:     1840.5,
		IssuerBreakdown: []core.IssuerImpact{
			{IssuerName: "BANAMEX", ErrorCount: 8, SubStatuses: []string{"TIMEOUT"}},
		},
		EnrichmentStatus: core.EnrichmentPending,
	}
	require.NoError(t, store.Create(context.Background(), inc))
	return inc
}

func runPool(t *testing.T, client *stubLLM) (*incidents.MemoryStore, core.EnrichmentStatus) {
	t.Helper()
	store := incidents.NewMemoryStore()
	events := eventlog.NewMemoryStore()
	seedIncident(t, store)

	done := make(chan core.EnrichmentStatus, 1)
	pool := NewPool(store, events, client, 1, 50*time.Millisecond, 10*time.Minute, nil)
	pool.OnDone = func(_ string, status core.EnrichmentStatus) { done <- status }

	require.True(t, pool.Enqueue("inc-1"))

	var status core.EnrichmentStatus
	select {
	case status = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("enrichment never finished")
	}
	pool.Shutdown()
	return store, status
}

func TestPoolEnrichesAndNotifies(t *testing.T) {
	client := &stubLLM{text: "BANAMEX is timing out on STRIPE traffic in MX."}
	store, status := runPool(t, client)

	assert.Equal(t, core.EnrichmentSucceeded, status)
	inc, err := store.Get(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Equal(t, core.IncidentNotified, inc.State)
	require.NotNil(t, inc.LLMExplanation)
	assert.Equal(t, client.text, *inc.LLMExplanation)
	assert.Equal(t, 1, client.calls)
}

func TestPoolRetriesTransientFailures(t *testing.T) {
	client := &stubLLM{
		failures: 2,
		err:      core.Transientf("503 from provider"),
		text:     "recovered on third attempt",
	}
	store, status := runPool(t, client)

	assert.Equal(t, core.EnrichmentSucceeded, status)
	assert.Equal(t, 3, client.calls, "two retries after the first failure")
	inc, _ := store.Get(context.Background(), "inc-1")
	assert.Equal(t, core.IncidentNotified, inc.State)
}

func TestPoolExhaustionStillNotifies(t *testing.T) {
	client := &stubLLM{failures: 99, err: core.Transientf("provider down")}
	store, status := runPool(t, client)

	assert.Equal(t, core.EnrichmentFailed, status)
	assert.Equal(t, 3, client.calls, "initial attempt plus two retries")

	inc, err := store.Get(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Equal(t, core.IncidentNotified, inc.State, "failure must not block the lifecycle")
	assert.Equal(t, core.EnrichmentFailed, inc.EnrichmentStatus)
	assert.Nil(t, inc.LLMExplanation, "failed enrichment leaves the explanation null")
}

func TestPoolRecordsEnrichmentOutcomes(t *testing.T) {
	tel := telemetry.NewMetricsOn(prometheus.NewRegistry())
	store := incidents.NewMemoryStore()
	events := eventlog.NewMemoryStore()
	seedIncident(t, store)

	client := &stubLLM{text: "BANAMEX is timing out on STRIPE traffic in MX."}
	done := make(chan core.EnrichmentStatus, 1)
	pool := NewPool(store, events, client, 1, 50*time.Millisecond, 10*time.Minute, tel)
	pool.OnDone = func(_ string, status core.EnrichmentStatus) { done <- status }

	require.True(t, pool.Enqueue("inc-1"))
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("enrichment never finished")
	}
	pool.Shutdown()

	assert.Equal(t, 1.0, testutil.ToFloat64(tel.EnrichmentsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(tel.EnrichmentsTotal.WithLabelValues("failed")))
}

func TestFallbackExplanation(t *testing.T) {
	text := FallbackExplanation(PromptInput{
		Provider:      "STRIPE",
		Country:       "MX",
		ErrorCount:    12,
		IssuerName:    "BANAMEX",
		WindowMinutes: 10,
	})
	assert.Contains(t, text, "STRIPE in MX")
	assert.Contains(t, text, "12 transactions")
	assert.Contains(t, text, "from BANAMEX")
	assert.Contains(t, text, "last 10 minutes")
}

func TestPoolPermanentErrorSkipsRetries(t *testing.T) {
	client := &stubLLM{failures: 99, err: core.Permanentf("bad api key")}
	_, status := runPool(t, client)

	assert.Equal(t, core.EnrichmentFailed, status)
	assert.Equal(t, 1, client.calls, "permanent errors are not retried")
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(PromptInput{
		Provider:      "STRIPE",
		Country:       "MX",
		ErrorCount:    12,
		RevenueAtRisk: 1840.5,
		IssuerName:    "BANAMEX",
		SubStatuses:   []string{"TIMEOUT", "DO_NOT_HONOR"},
		AdviceCode:    "TRY_AGAIN_LATER",
	})
	assert.Contains(t, p, "- Provider: STRIPE")
	assert.Contains(t, p, "- Affected Transactions: 12")
	assert.Contains(t, p, "$1,840.50 USD affecting BANAMEX cardholders")
	assert.Contains(t, p, "Error types: TIMEOUT, DO_NOT_HONOR")
	assert.Contains(t, p, "Provider advice: TRY_AGAIN_LATER")

	bare := BuildPrompt(PromptInput{Provider: "ADYEN", Country: "BR", ErrorCount: 3, RevenueAtRisk: 99})
	assert.NotContains(t, bare, "cardholders")
	assert.NotContains(t, bare, "Error types")
	assert.NotContains(t, bare, "Provider advice")
	assert.Contains(t, bare, "$99.00 USD")
}

func TestFormatUSD(t *testing.T) {
	assert.Equal(t, "0.00", formatUSD(0))
	assert.Equal(t, "999.99", formatUSD(999.99))
	assert.Equal(t, "1,000.00", formatUSD(1000))
	assert.Equal(t, "1,234,567.89", formatUSD(1234567.89))
	assert.Equal(t, "-12,345.60", formatUSD(-12345.6))
}
