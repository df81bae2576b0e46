package rules

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/paysentinel/backend/internal/core"
)

// MemoryStore is the in-process rule store used by tests.
type MemoryStore struct {
	mu    sync.Mutex
	rules map[string]core.Rule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]core.Rule)}
}

func (s *MemoryStore) Create(_ context.Context, r *core.Rule) error {
	if err := Validate(r); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.rules[r.RuleID]; dup {
		return core.Invalidf("rule_id", "duplicate rule %s", r.RuleID)
	}
	s.rules[r.RuleID] = *r
	return nil
}

func (s *MemoryStore) Get(_ context.Context, ruleID string) (*core.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryStore) List(_ context.Context, includeInactive bool) ([]core.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Rule
	for _, r := range s.rules {
		if r.Active || includeInactive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SetActive(_ context.Context, ruleID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return core.Invalidf("rule_id", "unknown rule %s", ruleID)
	}
	r.Active = active
	s.rules[ruleID] = r
	return nil
}

func (s *MemoryStore) Close() error { return nil }
