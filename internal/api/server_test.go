package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paysentinel/backend/internal/config"
	"github.com/paysentinel/backend/internal/core"
	"github.com/paysentinel/backend/internal/eventlog"
	"github.com/paysentinel/backend/internal/incidents"
	"github.com/paysentinel/backend/internal/ingest"
	"github.com/paysentinel/backend/internal/metrics"
	"github.com/paysentinel/backend/internal/rules"
)

type fixture struct {
	server    *Server
	metrics   *metrics.MemoryStore
	incidents *incidents.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rates, err := config.LoadRates("")
	require.NoError(t, err)

	events := eventlog.NewMemoryStore()
	ms := metrics.NewMemoryStore(time.Hour)
	t.Cleanup(func() { ms.Close() })
	inc := incidents.NewMemoryStore()
	reg := rules.NewRegistry(rules.NewMemoryStore(), time.Second)
	ing := ingest.NewService(events, ms, rates, 8, nil)

	return &fixture{
		server:    NewServer(ing, reg, inc, ms, events),
		metrics:   ms,
		incidents: inc,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func ingestBody(id string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"merchant_id": "merchant_shopito",
		"country": "MX",
		"status": "SUCCEEDED",
		"amount": {"value": 500, "currency": "MXN"},
		"payment_method": {"detail": {"card": {"brand": "VISA", "issuer_name": "BBVA", "bin": "415231"}}},
		"provider_data": {"id": "STRIPE", "response_code": "200"},
		"latency_ms": 320
	}`, id)
}

func TestIngestEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/ingest", ingestBody("ev-1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "ev-1", body["event_id"])
	assert.NotEmpty(t, body["accepted_at"])
}

func TestIngestEndpointValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/ingest", `{"id":"x","merchant_id":"m","country":"mexico"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "country", body["field"])
	assert.NotEmpty(t, body["error"])
}

func TestRulesCRUD(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/rules", `{
		"merchant_id": "merchant_shopito",
		"country": "MX",
		"provider": "STRIPE",
		"metric_type": "ERROR_RATE",
		"operator": ">",
		"threshold": 0.1,
		"min_transactions": 30,
		"severity": "WARNING"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created core.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.RuleID)
	assert.True(t, created.Active)

	rec = f.do(t, "GET", "/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["total"])

	rec = f.do(t, "DELETE", "/rules/"+created.RuleID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/rules", "")
	assert.Equal(t, float64(0), decode(t, rec)["total"], "soft-deleted rules drop out of the default list")

	rec = f.do(t, "GET", "/rules?include_inactive=true", "")
	assert.Equal(t, float64(1), decode(t, rec)["total"])
}

func TestRuleCreateRejectsBadThreshold(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "POST", "/rules", `{
		"metric_type": "ERROR_RATE", "operator": ">", "threshold": 3.5, "severity": "WARNING"
	}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "threshold", decode(t, rec)["field"])
}

func TestDeleteUnknownRule(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "DELETE", "/rules/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAlertsQuery(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	seed := func(id string, state core.IncidentState, openedAt time.Time) {
		require.NoError(t, f.incidents.Create(context.Background(), &core.Incident{
			IncidentID:       id,
			RuleID:           "rule-1",
			Dimension:        core.NewDimensionKey("merchant_shopito", "MX", "STRIPE", "", ""),
			Title:            "STRIPE MX - High Error Rate",
			State:            state,
			Severity:         core.SeverityWarning,
			OpenedAt:         openedAt,
			LastEvaluatedAt:  openedAt,
			EnrichmentStatus: core.EnrichmentFailed,
		}))
	}
	seed("inc-old", core.IncidentRecovered, base.Add(-2*time.Hour))
	seed("inc-new", core.IncidentNotified, base)

	rec := f.do(t, "GET", "/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["total"])

	rec = f.do(t, "GET", "/alerts?since="+base.Add(-time.Hour).Format(time.RFC3339), "")
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["total"])

	rec = f.do(t, "GET", "/alerts?state=notified", "")
	body = decode(t, rec)
	require.Equal(t, float64(1), body["total"])
	alert := body["alerts"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "inc-new", alert["incident_id"])
	assert.Nil(t, alert["llm_explanation"], "failed enrichment surfaces a null explanation")
	assert.Equal(t, "failed", alert["enrichment_status"])

	rec = f.do(t, "GET", "/alerts?since=not-a-time", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecentMetrics(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	bucket := now.Add(-time.Minute)

	global := func(status core.Status) core.DimensionKey {
		return core.NewDimensionKey("", "MX", "STRIPE", "", string(status))
	}
	ctx := context.Background()
	require.NoError(t, f.metrics.Incr(ctx, global(core.StatusSucceeded), bucket, 8))
	require.NoError(t, f.metrics.Incr(ctx, global(core.StatusError), bucket, 2))

	rec := f.do(t, "GET", "/metrics/recent?minutes=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	rows := body["minutes"].([]interface{})
	require.NotEmpty(t, rows)

	var found bool
	for _, raw := range rows {
		row := raw.(map[string]interface{})
		if row["total_count"] == float64(10) {
			found = true
			assert.InDelta(t, 0.8, row["approval_rate"].(float64), 1e-9)
			assert.InDelta(t, 0.2, row["error_rate"].(float64), 1e-9)
		}
	}
	assert.True(t, found, "seeded bucket missing from response")

	rec = f.do(t, "GET", "/metrics/recent?minutes=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["redis"])
	assert.Equal(t, "connected", body["database"])
}
