package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/polisai/netopt/pkg/domain"
	"github.com/polisai/netopt/pkg/storage"
)

// Source is the read side of a policy store.
type Source interface {
	Version(ctx context.Context) (int64, error)
	List(ctx context.Context, filter storage.Filter) ([]domain.Policy, error)
}

// PolicyCache holds the last successfully fetched policy set together with
// the store version it was read at. Store I/O runs outside the read lock, so
// Policies never waits on a slow store.
type PolicyCache struct {
	// fetchMu serialises refreshes; mu guards the cached fields.
	fetchMu sync.Mutex

	mu        sync.RWMutex
	policies  []domain.Policy
	version   int64
	fetchedAt time.Time
	primed    bool
	now       func() time.Time
}

// NewPolicyCache returns an empty cache.
func NewPolicyCache() *PolicyCache {
	return &PolicyCache{now: time.Now}
}

// Prime performs the initial fetch. Callers treat its failure as fatal.
func (c *PolicyCache) Prime(ctx context.Context, src Source) error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	return c.fetch(ctx, src, true)
}

// RefreshIfStale re-reads the store when ttl has elapsed since the last
// fetch. Within ttl no I/O happens; after it the store version is compared and
// the full list is read only when the version changed. On error the previous
// policy set is kept and the error returned. ctx bounds the store calls.
func (c *PolicyCache) RefreshIfStale(ctx context.Context, src Source, ttl time.Duration) error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	c.mu.RLock()
	primed, fetchedAt := c.primed, c.fetchedAt
	c.mu.RUnlock()

	if primed && c.now().Sub(fetchedAt) < ttl {
		return nil
	}
	return c.fetch(ctx, src, !primed)
}

// fetch must be called with fetchMu held.
func (c *PolicyCache) fetch(ctx context.Context, src Source, force bool) error {
	version, err := src.Version(ctx)
	if err != nil {
		return fmt.Errorf("%w: policy version: %v", domain.ErrStoreUnavailable, err)
	}

	c.mu.RLock()
	unchanged := !force && c.primed && version == c.version
	c.mu.RUnlock()
	if unchanged {
		c.mu.Lock()
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return nil
	}

	enabled := true
	policies, err := src.List(ctx, storage.Filter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("%w: list policies: %v", domain.ErrStoreUnavailable, err)
	}

	c.mu.Lock()
	c.policies = policies
	c.version = version
	c.fetchedAt = c.now()
	c.primed = true
	c.mu.Unlock()
	return nil
}

// Policies returns the cached policy set.
func (c *PolicyCache) Policies() []domain.Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Policy, len(c.policies))
	copy(out, c.policies)
	return out
}

// Version returns the store version the cached set was read at.
func (c *PolicyCache) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}
