package domain

import (
	"context"
	"fmt"
	"time"
)

// NodeKind distinguishes forwarding devices from attached hosts.
type NodeKind string

const (
	NodeSwitch NodeKind = "switch"
	NodeHost   NodeKind = "host"
)

// NetworkNode is a switch or host in the topology graph.
type NetworkNode struct {
	ID         string            `json:"id"`
	Kind       NodeKind          `json:"kind"`
	Attributes map[string]string `json:"attributes,omitempty"`
	FirstSeen  time.Time         `json:"first_seen"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of the node.
func (n NetworkNode) Clone() NetworkNode {
	n.Attributes = cloneStringMap(n.Attributes)
	return n
}

// NetworkLink is a directed adjacency between two nodes.
type NetworkLink struct {
	SrcNode     string `json:"src_node"`
	DstNode     string `json:"dst_node"`
	SrcPort     string `json:"src_port"`
	DstPort     string `json:"dst_port"`
	CapacityBps int64  `json:"capacity_bps,omitempty"`
}

// Key identifies the link for measurement lookups.
func (l NetworkLink) Key() string {
	return LinkKey(l.SrcNode, l.DstNode)
}

// LinkKey builds the measurement key for the link between two nodes.
func LinkKey(src, dst string) string {
	return fmt.Sprintf("link:%s->%s", src, dst)
}

// MeasurementSample is the latest observation for a link or monitored pair.
type MeasurementSample struct {
	Key          string    `json:"key"`
	LatencyMs    float64   `json:"latency_ms"`
	BandwidthBps float64   `json:"bandwidth_bps"`
	ObservedAt   time.Time `json:"observed_at"`
}

// EndpointRole marks an endpoint as a federated-learning server or client.
type EndpointRole string

const (
	RoleServer EndpointRole = "server"
	RoleClient EndpointRole = "client"
)

// Endpoint is a registered traffic endpoint attached to the network.
type Endpoint struct {
	ID        string       `json:"id" yaml:"id"`
	IP        string       `json:"ip" yaml:"ip"`
	Role      EndpointRole `json:"role" yaml:"role"`
	HostID    string       `json:"host_id,omitempty" yaml:"host_id,omitempty"`
	SwitchID  string       `json:"switch_id,omitempty" yaml:"switch_id,omitempty"`
	Port      string       `json:"port,omitempty" yaml:"port,omitempty"`
	Component string       `json:"component,omitempty" yaml:"component,omitempty"`
	Domain    string       `json:"domain,omitempty" yaml:"domain,omitempty"`
}

// MonitoredPair is a directed endpoint pair whose traffic is measured.
type MonitoredPair struct {
	Src Endpoint `json:"src"`
	Dst Endpoint `json:"dst"`
}

// Key identifies the pair in the measurement cache and status feed.
func (p MonitoredPair) Key() string {
	return PairKey(p.Src.IP, p.Dst.IP)
}

// PairKey builds the measurement key for traffic from src to dst.
func PairKey(srcIP, dstIP string) string {
	return srcIP + "->" + dstIP
}

// Topology is a full provider view of the network.
type Topology struct {
	Nodes []NetworkNode `json:"nodes"`
	Links []NetworkLink `json:"links"`
}

// ChangeKind enumerates pushed topology notifications.
type ChangeKind string

const (
	NodeAdded   ChangeKind = "node_added"
	NodeRemoved ChangeKind = "node_removed"
	LinkAdded   ChangeKind = "link_added"
	LinkRemoved ChangeKind = "link_removed"
)

// Change is a single pushed topology notification.
type Change struct {
	Kind ChangeKind   `json:"kind"`
	Node *NetworkNode `json:"node,omitempty"`
	Link *NetworkLink `json:"link,omitempty"`
}

// TopologyProvider returns the current network view.
type TopologyProvider interface {
	GetTopology(ctx context.Context) (Topology, error)
}

// ChangeSubscriber is implemented by providers that can push changes. The
// call blocks until ctx is done or the subscription fails.
type ChangeSubscriber interface {
	SubscribeChanges(ctx context.Context, fn func(Change)) error
}

// Probe obtains a fresh measurement for a pair or link key.
type Probe interface {
	Measure(ctx context.Context, key string) (MeasurementSample, error)
}
