package southbound

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/netopt/pkg/domain"
	"github.com/polisai/netopt/pkg/topology"
)

func TestSplitPairKey(t *testing.T) {
	src, dst, ok := SplitPairKey("10.0.0.1->10.0.0.2")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", src)
	assert.Equal(t, "10.0.0.2", dst)

	for _, key := range []string{"link:s1->s2", "10.0.0.1", "->10.0.0.2", "10.0.0.1->"} {
		_, _, ok := SplitPairKey(key)
		assert.False(t, ok, key)
	}
}

func TestTCPProbeMeasuresConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	probe := NewTCPProbe(ln.Addr().(*net.TCPAddr).Port, time.Second)

	sample, err := probe.Measure(context.Background(), "10.0.0.9->127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9->127.0.0.1", sample.Key)
	assert.GreaterOrEqual(t, sample.LatencyMs, 0.0)
	assert.False(t, sample.ObservedAt.IsZero())
}

func TestTCPProbeFailures(t *testing.T) {
	probe := NewTCPProbe(1, time.Second)
	probe.dial = func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}

	_, err := probe.Measure(context.Background(), "10.0.0.1->10.0.0.2")
	assert.True(t, errors.Is(err, domain.ErrProbeFailed))

	_, err = probe.Measure(context.Background(), "link:s1->s2")
	assert.True(t, errors.Is(err, domain.ErrProbeFailed))
}

type staticLatency struct {
	ms  float64
	err error
}

func (s staticLatency) Measure(_ context.Context, key string) (domain.MeasurementSample, error) {
	if s.err != nil {
		return domain.MeasurementSample{}, s.err
	}
	return domain.MeasurementSample{Key: key, LatencyMs: s.ms, ObservedAt: time.Unix(100, 0)}, nil
}

type staticStats map[string]float64

func (s staticStats) PortThroughput(_ context.Context, device, port string) (float64, error) {
	v, ok := s[device+"/"+port]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return v, nil
}

func testSnapshot(t *testing.T) *topology.Snapshot {
	t.Helper()
	m := topology.NewModel()
	require.NoError(t, m.ApplyTopology(domain.Topology{
		Nodes: []domain.NetworkNode{
			{ID: "s1", Kind: domain.NodeSwitch},
			{ID: "s2", Kind: domain.NodeSwitch},
			{ID: "h1", Kind: domain.NodeHost, Attributes: map[string]string{"ip": "10.0.0.1", "switch": "s1", "port": "1"}},
			{ID: "h2", Kind: domain.NodeHost, Attributes: map[string]string{"ip": "10.0.0.2", "switch": "s2", "port": "4"}},
		},
		Links: []domain.NetworkLink{
			{SrcNode: "s1", DstNode: "s2", SrcPort: "2", DstPort: "3"},
			{SrcNode: "h1", DstNode: "s1", DstPort: "1"},
			{SrcNode: "h2", DstNode: "s2", DstPort: "4"},
		},
	}))
	return m.Snapshot()
}

func TestSnapshotLocator(t *testing.T) {
	snap := testSnapshot(t)
	locate := SnapshotLocator(func() *topology.Snapshot { return snap })

	dev, port, ok := locate("10.0.0.1->10.0.0.2")
	require.True(t, ok)
	assert.Equal(t, "s2", dev)
	assert.Equal(t, "4", port)

	dev, port, ok = locate("link:s2->s1")
	require.True(t, ok)
	assert.Equal(t, "s2", dev)
	assert.Equal(t, "3", port)

	_, _, ok = locate("10.0.0.1->10.9.9.9")
	assert.False(t, ok)
}

func TestStatsProbe(t *testing.T) {
	snap := testSnapshot(t)
	probe := &StatsProbe{
		Latency: staticLatency{ms: 12.5},
		Stats:   staticStats{"s2/4": 90e6, "s1/2": 10e6},
		Locate:  SnapshotLocator(func() *topology.Snapshot { return snap }),
		Now:     func() time.Time { return time.Unix(200, 0) },
	}

	sample, err := probe.Measure(context.Background(), "10.0.0.1->10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, 12.5, sample.LatencyMs)
	assert.Equal(t, 90e6, sample.BandwidthBps)

	link, err := probe.Measure(context.Background(), "link:s1->s2")
	require.NoError(t, err)
	assert.Equal(t, 10e6, link.BandwidthBps)
	assert.Zero(t, link.LatencyMs)
	assert.Equal(t, time.Unix(200, 0), link.ObservedAt)

	// Missing stats keep the latency sample for pairs but fail links.
	sample, err = probe.Measure(context.Background(), "10.0.0.2->10.0.0.1")
	require.NoError(t, err)
	assert.Zero(t, sample.BandwidthBps)

	_, err = probe.Measure(context.Background(), "link:s2->s1")
	assert.True(t, errors.Is(err, domain.ErrProbeFailed))
}

func TestStatsProbePropagatesLatencyFailure(t *testing.T) {
	probe := &StatsProbe{
		Latency: staticLatency{err: domain.ErrProbeFailed},
		Stats:   staticStats{},
		Locate:  func(string) (string, string, bool) { return "", "", false },
	}
	_, err := probe.Measure(context.Background(), "10.0.0.1->10.0.0.2")
	assert.True(t, errors.Is(err, domain.ErrProbeFailed))
}

func TestDryRunInstaller(t *testing.T) {
	inst := NewDryRunInstaller(nil)
	first, err := inst.Install(context.Background(), "s1", domain.FlowMatch{DstIP: "10.0.0.2"}, []domain.FlowRuleAction{{Type: "DROP"}}, 1, time.Second)
	require.NoError(t, err)
	second, err := inst.Install(context.Background(), "s1", domain.FlowMatch{DstIP: "10.0.0.2"}, nil, 1, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.NoError(t, inst.Remove(context.Background(), "s1", first))

	topo, err := StaticTopology{Topology: domain.Topology{Nodes: []domain.NetworkNode{{ID: "s1"}}}}.GetTopology(context.Background())
	require.NoError(t, err)
	assert.Len(t, topo.Nodes, 1)
}
