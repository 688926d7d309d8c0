// Package topology maintains the in-memory network graph and the latest
// measurement per link or monitored pair. The Model is the single writer;
// readers work on immutable Snapshots.
package topology

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/polisai/netopt/pkg/domain"
)

// DefaultMeasurementTTL is how long a sample stays usable for decisions.
const DefaultMeasurementTTL = 30 * time.Second

// Model is the authoritative network state. It is safe for concurrent use.
type Model struct {
	mu      sync.RWMutex
	nodes   map[string]*domain.NetworkNode
	links   map[string]domain.NetworkLink
	samples map[string]domain.MeasurementSample

	measurementTTL time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// Option customises Model construction.
type Option func(*Model)

// WithMeasurementTTL sets the age after which samples are excluded from decisions.
func WithMeasurementTTL(ttl time.Duration) Option {
	return func(m *Model) {
		m.measurementTTL = ttl
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Model) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Model) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewModel creates an empty model.
func NewModel(opts ...Option) *Model {
	m := &Model{
		nodes:          make(map[string]*domain.NetworkNode),
		links:          make(map[string]domain.NetworkLink),
		samples:        make(map[string]domain.MeasurementSample),
		measurementTTL: DefaultMeasurementTTL,
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// UpsertNode inserts a node or replaces the kind and attributes of an
// existing one. FirstSeen is preserved across upserts.
func (m *Model) UpsertNode(node domain.NetworkNode) error {
	if node.ID == "" {
		return errors.New("topology: node id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stored := node.Clone()
	stored.UpdatedAt = now
	if existing, ok := m.nodes[node.ID]; ok {
		stored.FirstSeen = existing.FirstSeen
	} else if stored.FirstSeen.IsZero() {
		stored.FirstSeen = now
	}
	m.nodes[node.ID] = &stored
	return nil
}

// UpsertLink inserts or replaces a link. Both endpoints must already exist.
func (m *Model) UpsertLink(link domain.NetworkLink) error {
	if link.SrcNode == "" || link.DstNode == "" {
		return errors.New("topology: link endpoints are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range []string{link.SrcNode, link.DstNode} {
		if _, ok := m.nodes[id]; !ok {
			return fmt.Errorf("topology: link %s: node %s: %w", link.Key(), id, domain.ErrNotFound)
		}
	}
	m.links[link.Key()] = link
	return nil
}

// RemoveNode deletes a node and every link incident to it.
func (m *Model) RemoveNode(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[id]; !ok {
		return false
	}
	delete(m.nodes, id)
	for key, link := range m.links {
		if link.SrcNode == id || link.DstNode == id {
			delete(m.links, key)
		}
	}
	return true
}

// RemoveLink deletes the directed link src->dst.
func (m *Model) RemoveLink(src, dst string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := domain.LinkKey(src, dst)
	if _, ok := m.links[key]; !ok {
		return false
	}
	delete(m.links, key)
	return true
}

// RecordMeasurement stores sample as the latest observation for key. A sample
// older than the stored one is discarded and false is returned.
func (m *Model) RecordMeasurement(key string, sample domain.MeasurementSample) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sample.Key = key
	if sample.ObservedAt.IsZero() {
		sample.ObservedAt = m.now()
	}
	if existing, ok := m.samples[key]; ok && existing.ObservedAt.After(sample.ObservedAt) {
		return false
	}
	m.samples[key] = sample
	return true
}

// Sample returns the stored observation for key regardless of age.
func (m *Model) Sample(key string) (domain.MeasurementSample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.samples[key]
	return s, ok
}

// RemoveStale drops measurement samples older than olderThan and returns how
// many were removed. Nodes and links never expire implicitly.
func (m *Model) RemoveStale(olderThan time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	removed := 0
	for key, sample := range m.samples {
		if sample.ObservedAt.Before(cutoff) {
			delete(m.samples, key)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("removed stale measurements", "count", removed)
	}
	return removed
}

// ApplyTopology merges a full provider view. Entries missing from topo are
// left in place; removal only happens through explicit changes.
func (m *Model) ApplyTopology(topo domain.Topology) error {
	var errs []error
	for _, node := range topo.Nodes {
		if err := m.UpsertNode(node); err != nil {
			errs = append(errs, err)
		}
	}
	for _, link := range topo.Links {
		if err := m.UpsertLink(link); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplyChange merges a single pushed notification.
func (m *Model) ApplyChange(change domain.Change) error {
	switch change.Kind {
	case domain.NodeAdded:
		if change.Node == nil {
			return errors.New("topology: node_added without node")
		}
		return m.UpsertNode(*change.Node)
	case domain.NodeRemoved:
		if change.Node == nil {
			return errors.New("topology: node_removed without node")
		}
		m.RemoveNode(change.Node.ID)
		return nil
	case domain.LinkAdded:
		if change.Link == nil {
			return errors.New("topology: link_added without link")
		}
		return m.UpsertLink(*change.Link)
	case domain.LinkRemoved:
		if change.Link == nil {
			return errors.New("topology: link_removed without link")
		}
		m.RemoveLink(change.Link.SrcNode, change.Link.DstNode)
		return nil
	default:
		return fmt.Errorf("topology: unknown change kind %q", change.Kind)
	}
}

// Counts returns the number of nodes, links and samples held.
func (m *Model) Counts() (nodes, links, samples int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes), len(m.links), len(m.samples)
}

// Snapshot returns a deep copy of the current state.
func (m *Model) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make(map[string]domain.NetworkNode, len(m.nodes))
	for id, node := range m.nodes {
		nodes[id] = node.Clone()
	}
	links := make([]domain.NetworkLink, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	sort.Slice(links, func(i, j int) bool {
		return links[i].Key() < links[j].Key()
	})
	samples := make(map[string]domain.MeasurementSample, len(m.samples))
	for key, sample := range m.samples {
		samples[key] = sample
	}

	return newSnapshot(nodes, links, samples, m.now(), m.measurementTTL)
}
