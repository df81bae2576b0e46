// Package ingest accepts raw payment events, validates and normalizes them,
// appends them to the durable event log and fans counter increments out to
// the metric store. The event log write is the commit point; counter fan-out
// is best effort and never fails an already-logged event.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/paysentinel/backend/internal/config"
	"github.com/paysentinel/backend/internal/core"
	"github.com/paysentinel/backend/internal/eventlog"
	"github.com/paysentinel/backend/internal/metrics"
	"github.com/paysentinel/backend/internal/telemetry"
)

// incrTimeout bounds each counter increment so a slow metric store cannot
// hold the request once the event is logged.
const incrTimeout = 500 * time.Millisecond

// PaymentEvent is the wire shape posted by payment gateways (and the load
// generator). Field names follow the upstream payment object schema.
type PaymentEvent struct {
	ID         string  `json:"id"`
	CreatedAt  string  `json:"created_at"`
	MerchantID string  `json:"merchant_id"`
	Country    string  `json:"country"`
	Status     string  `json:"status"`
	SubStatus  *string `json:"sub_status"`
	Amount     struct {
		Value    float64 `json:"value"`
		Currency string  `json:"currency"`
	} `json:"amount"`
	PaymentMethod struct {
		Type   string `json:"type"`
		Detail struct {
			Card struct {
				Brand      string `json:"brand"`
				IssuerName string `json:"issuer_name"`
				BIN        string `json:"bin"`
			} `json:"card"`
		} `json:"detail"`
	} `json:"payment_method"`
	ProviderData struct {
		ID                 string  `json:"id"`
		MerchantAdviceCode *string `json:"merchant_advice_code"`
		ResponseCode       string  `json:"response_code"`
	} `json:"provider_data"`
	LatencyMS int `json:"latency_ms"`
}

// Service is the ingest pipeline shared by the HTTP handler and tests.
type Service struct {
	events  eventlog.Store
	metrics metrics.Store
	rates   *config.RateTable
	tel     *telemetry.Metrics
	logger  *log.Logger

	// sem bounds concurrent ingests; beyond the depth callers get
	// ErrTransient and should shed the request with a 503.
	sem chan struct{}

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewService wires the pipeline. queueDepth is the concurrent ingest bound.
func NewService(events eventlog.Store, ms metrics.Store, rates *config.RateTable, queueDepth int, tel *telemetry.Metrics) *Service {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Service{
		events:  events,
		metrics: ms,
		rates:   rates,
		tel:     tel,
		logger:  log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
		sem:     make(chan struct{}, queueDepth),
		now:     time.Now,
	}
}

// Ingest validates raw, appends the event and fans out counters. The raw body
// is preserved byte for byte on the stored event. Returns the normalized
// event on success; ErrValidation for bad input (including duplicate IDs) and
// ErrTransient when the service is saturated.
func (s *Service) Ingest(ctx context.Context, raw []byte) (*core.Event, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		s.recordRejection("backpressure")
		return nil, core.Transientf("ingest queue full")
	}
	started := time.Now()

	var p PaymentEvent
	if err := json.Unmarshal(raw, &p); err != nil {
		s.recordRejection("validation")
		return nil, core.Invalidf("body", "malformed JSON: %v", err)
	}
	e, err := s.normalize(&p, raw)
	if err != nil {
		s.recordRejection("validation")
		return nil, err
	}

	if err := s.events.Append(ctx, e); err != nil {
		if errors.Is(err, core.ErrValidation) {
			s.recordRejection("validation")
		} else {
			s.recordRejection("storage")
		}
		return nil, err
	}

	s.fanOut(ctx, e)

	if s.tel != nil {
		s.tel.RecordIngest(string(e.Status), time.Since(started).Seconds())
	}
	return e, nil
}

// normalize projects the wire payload onto the domain event. receivedAt is a
// non-decreasing server clock so per-dimension recent-status queries keep
// arrival order even across clock steps.
func (s *Service) normalize(p *PaymentEvent, raw []byte) (*core.Event, error) {
	if p.ID == "" {
		return nil, core.Invalidf("id", "required")
	}
	if p.MerchantID == "" {
		return nil, core.Invalidf("merchant_id", "required")
	}
	if !validCountry(p.Country) {
		return nil, core.Invalidf("country", "want ISO-2 uppercase, got %q", p.Country)
	}
	status := core.Status(p.Status)
	if !status.Valid() {
		return nil, core.Invalidf("status", "unknown status %q", p.Status)
	}
	if p.ProviderData.ID == "" {
		return nil, core.Invalidf("provider_data.id", "required")
	}
	if p.Amount.Value < 0 {
		return nil, core.Invalidf("amount.value", "must be non-negative")
	}
	if p.LatencyMS < 0 {
		return nil, core.Invalidf("latency_ms", "must be non-negative")
	}
	for field, v := range map[string]string{
		"merchant_id":      p.MerchantID,
		"provider_data.id": p.ProviderData.ID,
		"issuer_name":      p.PaymentMethod.Detail.Card.IssuerName,
	} {
		if strings.ContainsAny(v, "/:") {
			return nil, core.Invalidf(field, "must not contain '/' or ':'")
		}
	}

	usd, ok := s.rates.ToUSD(p.Amount.Value, p.Amount.Currency)
	if !ok {
		return nil, core.Invalidf("amount.currency", "unknown currency %q", p.Amount.Currency)
	}

	e := &core.Event{
		EventID:      p.ID,
		ReceivedAt:   s.receivedAt(),
		MerchantID:   p.MerchantID,
		ProviderID:   p.ProviderData.ID,
		Country:      p.Country,
		Status:       status,
		AmountUSD:    usd,
		IssuerName:   p.PaymentMethod.Detail.Card.IssuerName,
		CardBrand:    p.PaymentMethod.Detail.Card.Brand,
		BIN:          p.PaymentMethod.Detail.Card.BIN,
		ResponseCode: p.ProviderData.ResponseCode,
		LatencyMS:    p.LatencyMS,
		RawPayload:   raw,
	}
	if p.SubStatus != nil {
		e.SubStatus = *p.SubStatus
	}
	if p.ProviderData.MerchantAdviceCode != nil {
		e.MerchantAdviceCode = *p.ProviderData.MerchantAdviceCode
	}
	return e, nil
}

func (s *Service) receivedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if now.Before(s.last) {
		now = s.last
	}
	s.last = now
	return now
}

// fanOut increments every dimension counter for the event. Failures are
// logged and counted, never propagated: the event log already holds the
// event and the bucket will simply read low until traffic refreshes it.
func (s *Service) fanOut(ctx context.Context, e *core.Event) {
	for _, key := range core.EventKeys(e) {
		incrCtx, cancel := context.WithTimeout(ctx, incrTimeout)
		err := s.metrics.Incr(incrCtx, key, e.ReceivedAt, 1)
		cancel()
		if err != nil {
			s.logger.Printf("⚠️  Counter increment failed for %s: %v", key, err)
			if s.tel != nil {
				s.tel.CounterFailures.Inc()
			}
			continue
		}
		if s.tel != nil {
			s.tel.CounterFanouts.Inc()
		}
	}
}

func (s *Service) recordRejection(reason string) {
	if s.tel != nil {
		s.tel.RecordRejection(reason)
	}
}

func validCountry(c string) bool {
	if len(c) != 2 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
