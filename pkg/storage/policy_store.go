// Package storage persists traffic-engineering policies. Every store keeps a
// monotonically increasing version so consumers can detect staleness without
// re-reading the full policy set.
package storage

import (
	"context"
	"sort"

	"github.com/polisai/netopt/pkg/domain"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Domain  string
	Enabled *bool
	Tag     string
}

// Matches reports whether p passes the filter.
func (f Filter) Matches(p *domain.Policy) bool {
	if f.Domain != "" && p.Domain != f.Domain {
		return false
	}
	if f.Enabled != nil && p.Enabled != *f.Enabled {
		return false
	}
	if f.Tag != "" && !p.HasTag(f.Tag) {
		return false
	}
	return true
}

// PolicyStore exposes persistence operations for policies. Implementations are
// safe for concurrent use and provide read-your-writes semantics.
type PolicyStore interface {
	// Create stores a new policy and returns its id. A caller-supplied id that
	// already exists yields domain.ErrDuplicateID.
	Create(ctx context.Context, policy domain.Policy) (string, error)
	// Get returns the policy with id or domain.ErrNotFound.
	Get(ctx context.Context, id string) (domain.Policy, error)
	// Update applies a partial update and returns the stored result.
	Update(ctx context.Context, id string, patch domain.PolicyPatch) (domain.Policy, error)
	// Delete removes the policy and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
	// List returns matching policies ordered by priority desc, then creation.
	List(ctx context.Context, filter Filter) ([]domain.Policy, error)
	// Version returns the mutation counter.
	Version(ctx context.Context) (int64, error)
	Close() error
}

// SortPolicies orders policies by priority desc, created_at asc, seq asc.
func SortPolicies(policies []domain.Policy) {
	sort.SliceStable(policies, func(i, j int) bool {
		a, b := policies[i], policies[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}
