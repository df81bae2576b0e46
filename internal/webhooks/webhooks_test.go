package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paysentinel/backend/internal/core"
)

func testIncident(merchant string) *core.Incident {
	return &core.Incident{
		IncidentID: "inc-1",
		RuleID:     "rule-1",
		Dimension:  core.NewDimensionKey(merchant, "MX", "STRIPE", "", "ERROR"),
		State:      core.IncidentNotified,
		Severity:   core.SeverityCritical,
	}
}

func TestRegisterRequiresURLAndEvents(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&Subscription{Events: []EventType{EventIncidentNotified}})
	assert.Error(t, err)

	err = r.Register(&Subscription{URL: "http://example.com/hook"})
	assert.Error(t, err)

	sub := &Subscription{URL: "http://example.com/hook", Events: []EventType{EventIncidentNotified}}
	require.NoError(t, r.Register(sub))
	assert.NotEmpty(t, sub.ID)
	assert.True(t, sub.Active)
}

func TestSubscribersFiltersByEventAndHealth(t *testing.T) {
	r := NewRegistry()
	notified := &Subscription{URL: "http://a/hook", Events: []EventType{EventIncidentNotified}}
	recovered := &Subscription{URL: "http://b/hook", Events: []EventType{EventIncidentRecovered}}
	require.NoError(t, r.Register(notified))
	require.NoError(t, r.Register(recovered))

	assert.Len(t, r.Subscribers(EventIncidentNotified), 1)
	assert.Len(t, r.Subscribers(EventIncidentRecovered), 1)

	// 10 consecutive failures disable the endpoint.
	for i := 0; i < 10; i++ {
		r.MarkFailed(notified.ID)
	}
	assert.Empty(t, r.Subscribers(EventIncidentNotified))

	// A delivery in between resets the count.
	for i := 0; i < 9; i++ {
		r.MarkFailed(recovered.ID)
	}
	r.MarkDelivered(recovered.ID)
	r.MarkFailed(recovered.ID)
	assert.Len(t, r.Subscribers(EventIncidentRecovered), 1)
}

func TestDispatcherDeliversSignedPayload(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []byte
		hdrs http.Header
	)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		mu.Lock()
		got, hdrs = body, req.Header.Clone()
		mu.Unlock()
		close(done)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(&Subscription{
		URL:    srv.URL,
		Secret: "s3cret",
		Events: []EventType{EventIncidentNotified},
	}))
	d := NewDispatcher(r, 1)
	defer d.Shutdown()

	d.Emit(EventIncidentNotified, testIncident("merchant_shopito"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was never delivered")
	}

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, "incident.notified", hdrs.Get("X-Sentinel-Event-Type"))
	assert.Equal(t, "1", hdrs.Get("X-Sentinel-Delivery-Attempt"))
	assert.NotEmpty(t, hdrs.Get("X-Sentinel-Event-ID"))

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(got)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), hdrs.Get("X-Sentinel-Signature"))

	var evt struct {
		ID       string         `json:"id"`
		Type     string         `json:"type"`
		Incident *core.Incident `json:"incident"`
	}
	require.NoError(t, json.Unmarshal(got, &evt))
	assert.Equal(t, "incident.notified", evt.Type)
	assert.True(t, strings.HasPrefix(evt.ID, "evt-"))
	require.NotNil(t, evt.Incident)
	assert.Equal(t, "inc-1", evt.Incident.IncidentID)
	assert.Equal(t, core.SeverityCritical, evt.Incident.Severity)
}

func TestDispatcherSkipsOtherMerchants(t *testing.T) {
	hits := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var evt struct {
			Incident *core.Incident `json:"incident"`
		}
		body, _ := io.ReadAll(req.Body)
		json.Unmarshal(body, &evt)
		hits <- evt.Incident.Dimension.Merchant()
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(&Subscription{
		URL:        srv.URL,
		MerchantID: "merchant_shopito",
		Events:     []EventType{EventIncidentNotified},
	}))
	d := NewDispatcher(r, 1)

	d.Emit(EventIncidentNotified, testIncident("merchant_techstore"))
	d.Emit(EventIncidentNotified, testIncident("merchant_shopito"))
	d.Shutdown()

	require.Len(t, hits, 1)
	assert.Equal(t, "merchant_shopito", <-hits)
}
