// Package monitor measures latency and bandwidth between registered
// federated-learning endpoints and feeds the results into the network model.
package monitor

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/polisai/netopt/pkg/domain"
)

// Registry tracks the endpoints whose traffic is monitored.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]domain.Endpoint
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]domain.Endpoint)}
}

// Register adds or replaces an endpoint. The IP doubles as the ID when none
// is given.
func (r *Registry) Register(ep domain.Endpoint) (domain.Endpoint, error) {
	if net.ParseIP(ep.IP) == nil {
		return domain.Endpoint{}, &domain.ConfigError{Field: "ip", Reason: fmt.Sprintf("invalid address %q", ep.IP)}
	}
	switch ep.Role {
	case domain.RoleServer, domain.RoleClient:
	default:
		return domain.Endpoint{}, &domain.ConfigError{Field: "role", Reason: fmt.Sprintf("must be server or client, got %q", ep.Role)}
	}
	if ep.ID == "" {
		ep.ID = ep.IP
	}

	r.mu.Lock()
	r.endpoints[ep.ID] = ep
	r.mu.Unlock()
	return ep, nil
}

// Unregister removes an endpoint and reports whether it existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[id]; !ok {
		return false
	}
	delete(r.endpoints, id)
	return true
}

// Get returns the endpoint registered under id.
func (r *Registry) Get(id string) (domain.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	return ep, ok
}

// List returns all endpoints ordered by ID.
func (r *Registry) List() []domain.Endpoint {
	r.mu.RLock()
	out := make([]domain.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pairs returns every server/client combination in both directions, ordered
// by pair key.
func (r *Registry) Pairs() []domain.MonitoredPair {
	var servers, clients []domain.Endpoint
	for _, ep := range r.List() {
		if ep.Role == domain.RoleServer {
			servers = append(servers, ep)
		} else {
			clients = append(clients, ep)
		}
	}

	pairs := make([]domain.MonitoredPair, 0, 2*len(servers)*len(clients))
	for _, s := range servers {
		for _, c := range clients {
			if s.IP == c.IP {
				continue
			}
			pairs = append(pairs,
				domain.MonitoredPair{Src: s, Dst: c},
				domain.MonitoredPair{Src: c, Dst: s},
			)
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Key() < pairs[j].Key() })
	return pairs
}
