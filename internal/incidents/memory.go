package incidents

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paysentinel/backend/internal/core"
)

// MemoryStore is the in-process incident store used by tests.
type MemoryStore struct {
	mu        sync.Mutex
	incidents map[string]core.Incident
	baselines map[string]core.MerchantBaseline
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents: make(map[string]core.Incident),
		baselines: make(map[string]core.MerchantBaseline),
	}
}

func (s *MemoryStore) Create(_ context.Context, inc *core.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.incidents[inc.IncidentID]; dup {
		return core.Invalidf("incident_id", "duplicate incident %s", inc.IncidentID)
	}
	s.incidents[inc.IncidentID] = *inc
	return nil
}

func (s *MemoryStore) Update(_ context.Context, inc *core.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.incidents[inc.IncidentID]
	if !ok {
		return core.Invalidf("incident_id", "unknown incident %s", inc.IncidentID)
	}
	// Enrichment fields stay with the enricher.
	updated := *inc
	updated.LLMExplanation = existing.LLMExplanation
	updated.EnrichmentStatus = existing.EnrichmentStatus
	s.incidents[inc.IncidentID] = updated
	return nil
}

func (s *MemoryStore) SetEnrichment(_ context.Context, incidentID string, explanation *string, status core.EnrichmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[incidentID]
	if !ok {
		return core.Invalidf("incident_id", "unknown incident %s", incidentID)
	}
	inc.LLMExplanation = explanation
	inc.EnrichmentStatus = status
	s.incidents[incidentID] = inc
	return nil
}

func (s *MemoryStore) SetState(_ context.Context, incidentID string, from, to core.IncidentState, at time.Time) (bool, error) {
	if !CanTransition(from, to) {
		return false, core.Invariantf("incident %s: illegal transition %s -> %s", incidentID, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[incidentID]
	if !ok || inc.State != from {
		return false, nil
	}
	inc.State = to
	if Terminal(to) {
		t := at.UTC()
		inc.ClosedAt = &t
	}
	s.incidents[incidentID] = inc
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, incidentID string) (*core.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[incidentID]
	if !ok {
		return nil, nil
	}
	return &inc, nil
}

func (s *MemoryStore) GetActive(_ context.Context, ruleID string, dim core.DimensionKey) (*core.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inc := range s.incidents {
		if inc.RuleID == ruleID && inc.Dimension == dim && inc.Active() {
			out := inc
			return &out, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) LastClosedAt(_ context.Context, ruleID string, dim core.DimensionKey) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *time.Time
	for _, inc := range s.incidents {
		if inc.RuleID != ruleID || inc.Dimension != dim || inc.State != core.IncidentRecovered || inc.ClosedAt == nil {
			continue
		}
		if last == nil || inc.ClosedAt.After(*last) {
			t := *inc.ClosedAt
			last = &t
		}
	}
	return last, nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]core.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wantState := func(st core.IncidentState) bool {
		if len(f.States) == 0 {
			return true
		}
		for _, w := range f.States {
			if w == st {
				return true
			}
		}
		return false
	}

	var out []core.Incident
	for _, inc := range s.incidents {
		if !wantState(inc.State) {
			continue
		}
		if f.RuleID != "" && inc.RuleID != f.RuleID {
			continue
		}
		if f.MerchantID != "" && !strings.HasPrefix(string(inc.Dimension), f.MerchantID+"/") {
			continue
		}
		if f.Since != nil && inc.OpenedAt.Before(*f.Since) {
			continue
		}
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MerchantBaseline(_ context.Context, merchantID string) (*core.MerchantBaseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.baselines[merchantID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *MemoryStore) UpsertBaseline(_ context.Context, b *core.MerchantBaseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[b.MerchantID] = *b
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// MemoryLocker is the single-process Locker: a non-blocking mutex.
type MemoryLocker struct {
	mu   sync.Mutex
	held bool
}

func (l *MemoryLocker) TryLock(context.Context) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, false, nil
	}
	l.held = true
	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			l.held = false
			l.mu.Unlock()
		})
	}
	return release, true, nil
}
