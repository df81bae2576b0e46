package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/paysentinel/backend/internal/core"
)

// MemoryStore is the in-process event log for tests and Redis/Postgres-free
// local runs. Append-only slice, queries scan.
type MemoryStore struct {
	mu     sync.Mutex
	events []core.Event
	byID   map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

func (s *MemoryStore) Append(_ context.Context, e *core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[e.EventID]; dup {
		return core.Invalidf("event_id", "duplicate event %s", e.EventID)
	}
	s.byID[e.EventID] = len(s.events)
	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, eventID string) (*core.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[eventID]
	if !ok {
		return nil, nil
	}
	e := s.events[i]
	return &e, nil
}

func matches(e *core.Event, dim core.DimensionKey) bool {
	if m := dim.Merchant(); m != "" && e.MerchantID != m {
		return false
	}
	if c := dim.Country(); c != "" && e.Country != c {
		return false
	}
	if p := dim.Provider(); p != "" && e.ProviderID != p {
		return false
	}
	if i := dim.Issuer(); i != "" && e.IssuerName != i {
		return false
	}
	return true
}

func (s *MemoryStore) RevenueAtRisk(_ context.Context, dim core.DimensionKey, statuses []core.Status, from, to time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[core.Status]struct{}, len(statuses))
	for _, st := range statuses {
		wanted[st] = struct{}{}
	}
	var total float64
	for i := range s.events {
		e := &s.events[i]
		if _, ok := wanted[e.Status]; ok && matches(e, dim) && inRange(e.ReceivedAt, from, to) {
			total += e.AmountUSD
		}
	}
	return total, nil
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func (s *MemoryStore) RecentStatuses(_ context.Context, dim core.DimensionKey, since time.Time, limit int) ([]core.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*core.Event
	for i := range s.events {
		if !s.events[i].ReceivedAt.Before(since) && matches(&s.events[i], dim) {
			matched = append(matched, &s.events[i])
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
	})

	var out []core.Status
	for _, e := range matched {
		if len(out) == limit {
			break
		}
		out = append(out, e.Status)
	}
	return out, nil
}

func (s *MemoryStore) IssuerBreakdown(_ context.Context, dim core.DimensionKey, from, to time.Time, minCount int) ([]core.IssuerImpact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type agg struct {
		count   int
		revenue float64
		subs    map[string]struct{}
	}
	byIssuer := make(map[string]*agg)
	for i := range s.events {
		e := &s.events[i]
		if e.Status != core.StatusError || !matches(e, dim) || !inRange(e.ReceivedAt, from, to) {
			continue
		}
		issuer := e.IssuerName
		if issuer == "" {
			issuer = "UNKNOWN"
		}
		a := byIssuer[issuer]
		if a == nil {
			a = &agg{subs: make(map[string]struct{})}
			byIssuer[issuer] = a
		}
		a.count++
		a.revenue += e.AmountUSD
		if e.SubStatus != "" {
			a.subs[e.SubStatus] = struct{}{}
		}
	}

	var out []core.IssuerImpact
	for issuer, a := range byIssuer {
		if a.count < minCount {
			continue
		}
		subs := make([]string, 0, len(a.subs))
		for sub := range a.subs {
			subs = append(subs, sub)
		}
		sort.Strings(subs)
		out = append(out, core.IssuerImpact{
			IssuerName:    issuer,
			ErrorCount:    a.count,
			RevenueAtRisk: a.revenue,
			SubStatuses:   subs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ErrorCount > out[j].ErrorCount })
	if len(out) > 5 {
		out = out[:5]
	}
	return out, nil
}

func (s *MemoryStore) AdviceCodes(_ context.Context, dim core.DimensionKey, from, to time.Time) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64)
	for i := range s.events {
		e := &s.events[i]
		if e.Adverse() && e.MerchantAdviceCode != "" && matches(e, dim) && inRange(e.ReceivedAt, from, to) {
			out[e.MerchantAdviceCode]++
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
