package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/netopt/pkg/domain"
)

// MemoryPolicyStore is an in-memory implementation of PolicyStore.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*domain.Policy
	seq      int64
	version  int64
	now      func() time.Time
}

// NewMemoryPolicyStore creates a new MemoryPolicyStore.
func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		policies: make(map[string]*domain.Policy),
		now:      time.Now,
	}
}

// Create validates and stores a copy of policy.
func (s *MemoryPolicyStore) Create(_ context.Context, policy domain.Policy) (string, error) {
	if err := policy.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := policy.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	} else if _, exists := s.policies[stored.ID]; exists {
		return "", fmt.Errorf("policy %s: %w", stored.ID, domain.ErrDuplicateID)
	}

	now := s.now().UTC()
	s.seq++
	stored.Seq = s.seq
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.policies[stored.ID] = stored
	s.version++
	return stored.ID, nil
}

// Get returns a copy of the stored policy.
func (s *MemoryPolicyStore) Get(_ context.Context, id string) (domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return domain.Policy{}, fmt.Errorf("policy %s: %w", id, domain.ErrNotFound)
	}
	return *p.Clone(), nil
}

// Update applies patch. The stored policy is untouched when the result fails
// validation.
func (s *MemoryPolicyStore) Update(_ context.Context, id string, patch domain.PolicyPatch) (domain.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.policies[id]
	if !ok {
		return domain.Policy{}, fmt.Errorf("policy %s: %w", id, domain.ErrNotFound)
	}

	next := current.Clone()
	patch.Apply(next)
	if err := next.Validate(); err != nil {
		return domain.Policy{}, err
	}
	next.UpdatedAt = s.now().UTC()
	s.policies[id] = next
	s.version++
	return *next.Clone(), nil
}

// Delete removes the policy.
func (s *MemoryPolicyStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return false, nil
	}
	delete(s.policies, id)
	s.version++
	return true, nil
}

// List returns copies of matching policies in evaluation order.
func (s *MemoryPolicyStore) List(_ context.Context, filter Filter) ([]domain.Policy, error) {
	s.mu.RLock()
	out := make([]domain.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if filter.Matches(p) {
			out = append(out, *p.Clone())
		}
	}
	s.mu.RUnlock()

	SortPolicies(out)
	return out, nil
}

// Version returns the mutation counter.
func (s *MemoryPolicyStore) Version(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

// Close is a no-op for memory store.
func (s *MemoryPolicyStore) Close() error {
	return nil
}
