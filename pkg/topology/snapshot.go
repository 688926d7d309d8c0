package topology

import (
	"sort"
	"time"

	"github.com/polisai/netopt/pkg/domain"
)

// Snapshot is an immutable view of the model taken at CapturedAt. Callers
// MUST treat its maps and slices as read-only.
type Snapshot struct {
	Nodes          map[string]domain.NetworkNode
	Links          []domain.NetworkLink
	Samples        map[string]domain.MeasurementSample
	CapturedAt     time.Time
	MeasurementTTL time.Duration

	// adjacency lists neighbours per node with links treated as bidirectional.
	adjacency map[string][]string
	linkIndex map[string]domain.NetworkLink
}

func newSnapshot(nodes map[string]domain.NetworkNode, links []domain.NetworkLink, samples map[string]domain.MeasurementSample, at time.Time, ttl time.Duration) *Snapshot {
	s := &Snapshot{
		Nodes:          nodes,
		Links:          links,
		Samples:        samples,
		CapturedAt:     at,
		MeasurementTTL: ttl,
		adjacency:      make(map[string][]string, len(nodes)),
		linkIndex:      make(map[string]domain.NetworkLink, len(links)),
	}

	seen := make(map[string]struct{}, 2*len(links))
	addEdge := func(a, b string) {
		key := a + "\x00" + b
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		s.adjacency[a] = append(s.adjacency[a], b)
	}
	for _, link := range links {
		s.linkIndex[link.Key()] = link
		addEdge(link.SrcNode, link.DstNode)
		addEdge(link.DstNode, link.SrcNode)
	}
	for id := range s.adjacency {
		sort.Strings(s.adjacency[id])
	}
	return s
}

// FreshSample returns the sample for key when it is younger than the
// measurement TTL at capture time.
func (s *Snapshot) FreshSample(key string) (domain.MeasurementSample, bool) {
	sample, ok := s.Samples[key]
	if !ok {
		return domain.MeasurementSample{}, false
	}
	if s.MeasurementTTL > 0 && s.CapturedAt.Sub(sample.ObservedAt) > s.MeasurementTTL {
		return domain.MeasurementSample{}, false
	}
	return sample, true
}

// LinkBetween returns the link connecting a to b oriented from a. A link
// recorded only in the b->a direction is returned with its ports swapped.
func (s *Snapshot) LinkBetween(a, b string) (domain.NetworkLink, bool) {
	if link, ok := s.linkIndex[domain.LinkKey(a, b)]; ok {
		return link, true
	}
	if link, ok := s.linkIndex[domain.LinkKey(b, a)]; ok {
		return domain.NetworkLink{
			SrcNode:     a,
			DstNode:     b,
			SrcPort:     link.DstPort,
			DstPort:     link.SrcPort,
			CapacityBps: link.CapacityBps,
		}, true
	}
	return domain.NetworkLink{}, false
}

// linkLatency returns the fresh measured latency for the link in either direction.
func (s *Snapshot) linkLatency(a, b string) (float64, bool) {
	if sample, ok := s.FreshSample(domain.LinkKey(a, b)); ok {
		return sample.LatencyMs, true
	}
	if sample, ok := s.FreshSample(domain.LinkKey(b, a)); ok {
		return sample.LatencyMs, true
	}
	return 0, false
}

// AttachmentSwitch resolves the switch an endpoint is connected to. An
// explicit SwitchID wins; otherwise the endpoint host is located by id or IP
// and followed to its adjacent switch.
func (s *Snapshot) AttachmentSwitch(ep domain.Endpoint) (string, bool) {
	if ep.SwitchID != "" {
		if node, ok := s.Nodes[ep.SwitchID]; ok && node.Kind == domain.NodeSwitch {
			return ep.SwitchID, true
		}
	}

	hostID := ep.HostID
	if hostID == "" {
		hostID = s.hostByIP(ep.IP)
	}
	if hostID == "" {
		return "", false
	}
	host, ok := s.Nodes[hostID]
	if !ok {
		return "", false
	}
	if sw := host.Attributes["switch"]; sw != "" {
		if node, ok := s.Nodes[sw]; ok && node.Kind == domain.NodeSwitch {
			return sw, true
		}
	}
	for _, neighbour := range s.adjacency[hostID] {
		if node, ok := s.Nodes[neighbour]; ok && node.Kind == domain.NodeSwitch {
			return neighbour, true
		}
	}
	return "", false
}

func (s *Snapshot) hostByIP(ip string) string {
	if ip == "" {
		return ""
	}
	ids := make([]string, 0, 1)
	for id, node := range s.Nodes {
		if node.Kind == domain.NodeHost && node.Attributes["ip"] == ip {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}
