package stores

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/pdp"
)

// MemoryStore keeps roles, policies and assignments in memory. Every write
// bumps the version so engines rebuild their snapshot on the next decision.
type MemoryStore struct {
	mu          sync.RWMutex
	version     uint64
	roles       map[string]*pdp.Role
	policies    map[string]*pdp.Policy
	histories   map[string][]*pdp.Policy
	assignments map[string]*pdp.Assignment
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:       make(map[string]*pdp.Role),
		policies:    make(map[string]*pdp.Policy),
		histories:   make(map[string][]*pdp.Policy),
		assignments: make(map[string]*pdp.Assignment),
		now:         time.Now,
	}
}

func (s *MemoryStore) Version(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

// LoadState returns deep copies, so callers can never reach the store's
// internal state.
func (s *MemoryStore) LoadState(ctx context.Context) (*pdp.StoreState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := &pdp.StoreState{
		Version:  s.version,
		Roles:    make([]*pdp.Role, 0, len(s.roles)),
		Policies: make([]*pdp.Policy, 0, len(s.policies)),
	}
	for _, r := range s.roles {
		st.Roles = append(st.Roles, r.Clone())
	}
	for _, p := range s.policies {
		st.Policies = append(st.Policies, p.Clone())
	}
	sort.Slice(st.Roles, func(i, j int) bool { return st.Roles[i].ID < st.Roles[j].ID })
	sort.Slice(st.Policies, func(i, j int) bool { return st.Policies[i].ID < st.Policies[j].ID })
	return st, nil
}

func (s *MemoryStore) ListAssignments(ctx context.Context, principalID string) ([]*pdp.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*pdp.Assignment, 0)
	for _, a := range s.assignments {
		if a.PrincipalID == principalID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PutRole(ctx context.Context, r *pdp.Role) error {
	if r == nil || r.ID == "" {
		return errors.New("role id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := r.Clone()
	now := s.now()
	if old, ok := s.roles[r.ID]; ok {
		dup.CreatedAt = old.CreatedAt
	} else if dup.CreatedAt.IsZero() {
		dup.CreatedAt = now
	}
	dup.UpdatedAt = now
	s.roles[r.ID] = dup
	s.version++
	return nil
}

func (s *MemoryStore) DeleteRole(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return fmt.Errorf("role %s: %w", id, pdp.ErrNotFound)
	}
	delete(s.roles, id)
	s.version++
	return nil
}

func (s *MemoryStore) GetRole(ctx context.Context, id string) (*pdp.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", id, pdp.ErrNotFound)
	}
	return r.Clone(), nil
}

// PutPolicy creates or replaces a policy. Replacing archives the previous
// revision and increments Version.
func (s *MemoryStore) PutPolicy(ctx context.Context, p *pdp.Policy) error {
	if p == nil || p.ID == "" {
		return errors.New("policy id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := p.Clone()
	now := s.now()
	if old, ok := s.policies[p.ID]; ok {
		s.histories[p.ID] = append(s.histories[p.ID], old)
		dup.Version = old.Version + 1
		dup.CreatedAt = old.CreatedAt
	} else {
		if dup.Version == 0 {
			dup.Version = 1
		}
		if dup.CreatedAt.IsZero() {
			dup.CreatedAt = now
		}
	}
	dup.UpdatedAt = now
	s.policies[p.ID] = dup
	s.version++
	return nil
}

func (s *MemoryStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("policy %s: %w", id, pdp.ErrNotFound)
	}
	s.histories[id] = append(s.histories[id], old)
	delete(s.policies, id)
	s.version++
	return nil
}

func (s *MemoryStore) GetPolicy(ctx context.Context, id string) (*pdp.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", id, pdp.ErrNotFound)
	}
	return p.Clone(), nil
}

// GetPolicyHistory returns archived revisions, oldest first.
func (s *MemoryStore) GetPolicyHistory(ctx context.Context, id string) ([]*pdp.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[id]
	if !ok {
		return nil, fmt.Errorf("no history for policy %s: %w", id, pdp.ErrNotFound)
	}
	out := make([]*pdp.Policy, len(h))
	for i, p := range h {
		out[i] = p.Clone()
	}
	return out, nil
}

func (s *MemoryStore) PutAssignment(ctx context.Context, a *pdp.Assignment) error {
	if a == nil || a.ID == "" {
		return errors.New("assignment id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := a.Clone()
	if dup.GrantedAt.IsZero() {
		dup.GrantedAt = s.now()
	}
	s.assignments[a.ID] = dup
	s.version++
	return nil
}

func (s *MemoryStore) DeleteAssignment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assignments[id]; !ok {
		return fmt.Errorf("assignment %s: %w", id, pdp.ErrNotFound)
	}
	delete(s.assignments, id)
	s.version++
	return nil
}

// MemoryDecisionLog is an append-only, hash-chained decision log held in
// memory.
type MemoryDecisionLog struct {
	mu      sync.RWMutex
	records []*pdp.DecisionRecord
	last    string
}

func NewMemoryDecisionLog() *MemoryDecisionLog {
	return &MemoryDecisionLog{}
}

// Append seals a copy of rec after the current head.
func (l *MemoryDecisionLog) Append(ctx context.Context, rec *pdp.DecisionRecord) error {
	if rec == nil {
		return errors.New("nil decision record")
	}
	dup := *rec
	l.mu.Lock()
	defer l.mu.Unlock()
	dup.Seal(l.last)
	l.records = append(l.records, &dup)
	l.last = dup.Hash
	return nil
}

// List returns matching records in append order.
func (l *MemoryDecisionLog) List(ctx context.Context, filter pdp.DecisionFilter) ([]*pdp.DecisionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*pdp.DecisionRecord, 0)
	for _, r := range l.records {
		if !filter.Match(r) {
			continue
		}
		dup := *r
		out = append(out, &dup)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Verify checks the whole chain.
func (l *MemoryDecisionLog) Verify(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return pdp.VerifyChain(l.records)
}

func (l *MemoryDecisionLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
