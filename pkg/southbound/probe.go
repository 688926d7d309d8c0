package southbound

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/netopt/pkg/domain"
	"github.com/polisai/netopt/pkg/topology"
)

// DefaultProbePort is dialed when TCPProbe.Port is unset.
const DefaultProbePort = 22

// TCPProbe measures pair latency as the round trip of a TCP connect to the
// destination address. Link keys are not supported.
type TCPProbe struct {
	Port    int
	Timeout time.Duration
	Now     func() time.Time

	dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewTCPProbe returns a probe dialing port on each destination.
func NewTCPProbe(port int, timeout time.Duration) *TCPProbe {
	if port <= 0 {
		port = DefaultProbePort
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	d := &net.Dialer{}
	return &TCPProbe{Port: port, Timeout: timeout, Now: time.Now, dial: d.DialContext}
}

// Measure implements domain.Probe.
func (p *TCPProbe) Measure(ctx context.Context, key string) (domain.MeasurementSample, error) {
	_, dst, ok := SplitPairKey(key)
	if !ok {
		return domain.MeasurementSample{}, fmt.Errorf("%w: %s: not a pair key", domain.ErrProbeFailed, key)
	}
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := p.Now()
	conn, err := p.dial(ctx, "tcp", net.JoinHostPort(dst, strconv.Itoa(p.Port)))
	if err != nil {
		return domain.MeasurementSample{}, fmt.Errorf("%w: %s: %w", domain.ErrProbeFailed, key, err)
	}
	end := p.Now()
	_ = conn.Close()

	return domain.MeasurementSample{
		Key:        key,
		LatencyMs:  float64(end.Sub(start).Microseconds()) / 1000,
		ObservedAt: end,
	}, nil
}

// SplitPairKey parses "src->dst". Link keys are rejected.
func SplitPairKey(key string) (src, dst string, ok bool) {
	if strings.HasPrefix(key, "link:") {
		return "", "", false
	}
	src, dst, ok = strings.Cut(key, "->")
	if !ok || src == "" || dst == "" {
		return "", "", false
	}
	return src, dst, true
}

// PortStats reports the transmit rate of a device port.
type PortStats interface {
	PortThroughput(ctx context.Context, deviceID, port string) (float64, error)
}

// PortLocator resolves the device port whose counters describe key.
type PortLocator func(key string) (deviceID, port string, ok bool)

// StatsProbe adds port throughput to a latency probe. Link keys, which the
// latency probe cannot measure, carry throughput only.
type StatsProbe struct {
	Latency domain.Probe
	Stats   PortStats
	Locate  PortLocator
	Now     func() time.Time
}

// Measure implements domain.Probe. A missing port statistic leaves
// BandwidthBps at zero instead of failing the sample.
func (p *StatsProbe) Measure(ctx context.Context, key string) (domain.MeasurementSample, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	sample := domain.MeasurementSample{Key: key, ObservedAt: now()}
	isLink := strings.HasPrefix(key, "link:")
	if !isLink && p.Latency != nil {
		measured, err := p.Latency.Measure(ctx, key)
		if err != nil {
			return domain.MeasurementSample{}, err
		}
		sample = measured
	}

	device, port, ok := p.Locate(key)
	if !ok {
		if isLink {
			return domain.MeasurementSample{}, fmt.Errorf("%w: %s: no port mapping", domain.ErrProbeFailed, key)
		}
		return sample, nil
	}
	bps, err := p.Stats.PortThroughput(ctx, device, port)
	if err != nil {
		if isLink {
			return domain.MeasurementSample{}, fmt.Errorf("%w: %s: %w", domain.ErrProbeFailed, key, err)
		}
		return sample, nil
	}
	sample.BandwidthBps = bps
	return sample, nil
}

// SnapshotLocator maps pair keys to the switch port facing the destination
// host and link keys to the source port of the link.
func SnapshotLocator(snapshot func() *topology.Snapshot) PortLocator {
	return func(key string) (string, string, bool) {
		snap := snapshot()
		if rest, ok := strings.CutPrefix(key, "link:"); ok {
			a, b, found := strings.Cut(rest, "->")
			if !found {
				return "", "", false
			}
			link, ok := snap.LinkBetween(a, b)
			if !ok || link.SrcPort == "" {
				return "", "", false
			}
			return a, link.SrcPort, true
		}
		_, dst, ok := SplitPairKey(key)
		if !ok {
			return "", "", false
		}
		for _, node := range snap.Nodes {
			if node.Kind != domain.NodeHost || node.Attributes["ip"] != dst {
				continue
			}
			sw, port := node.Attributes["switch"], node.Attributes["port"]
			if sw == "" || port == "" {
				return "", "", false
			}
			return sw, port, true
		}
		return "", "", false
	}
}
