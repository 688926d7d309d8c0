package topology

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/netopt/pkg/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sw(id string) domain.NetworkNode {
	return domain.NetworkNode{ID: id, Kind: domain.NodeSwitch}
}

func TestUpsertNodePreservesIdentity(t *testing.T) {
	clock := newFakeClock()
	m := NewModel(WithClock(clock.Now))

	require.NoError(t, m.UpsertNode(domain.NetworkNode{ID: "s1", Kind: domain.NodeSwitch, Attributes: map[string]string{"vendor": "a"}}))
	first := m.Snapshot().Nodes["s1"]

	clock.Advance(time.Minute)
	require.NoError(t, m.UpsertNode(domain.NetworkNode{ID: "s1", Kind: domain.NodeSwitch, Attributes: map[string]string{"vendor": "b"}}))
	second := m.Snapshot().Nodes["s1"]

	assert.Equal(t, first.FirstSeen, second.FirstSeen)
	assert.Equal(t, "b", second.Attributes["vendor"])
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

	assert.Error(t, m.UpsertNode(domain.NetworkNode{}))
}

func TestUpsertLinkRequiresEndpoints(t *testing.T) {
	m := NewModel()
	require.NoError(t, m.UpsertNode(sw("s1")))

	err := m.UpsertLink(domain.NetworkLink{SrcNode: "s1", DstNode: "s2"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, m.UpsertNode(sw("s2")))
	require.NoError(t, m.UpsertLink(domain.NetworkLink{SrcNode: "s1", DstNode: "s2", SrcPort: "1", DstPort: "2"}))
	_, links, _ := m.Counts()
	assert.Equal(t, 1, links)
}

func TestRemoveNodeCascadesLinks(t *testing.T) {
	m := NewModel()
	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, m.UpsertNode(sw(id)))
	}
	require.NoError(t, m.UpsertLink(domain.NetworkLink{SrcNode: "s1", DstNode: "s2"}))
	require.NoError(t, m.UpsertLink(domain.NetworkLink{SrcNode: "s2", DstNode: "s3"}))
	require.NoError(t, m.UpsertLink(domain.NetworkLink{SrcNode: "s1", DstNode: "s3"}))

	assert.True(t, m.RemoveNode("s2"))
	assert.False(t, m.RemoveNode("s2"))

	snap := m.Snapshot()
	require.Len(t, snap.Links, 1)
	assert.Equal(t, "s1", snap.Links[0].SrcNode)
	assert.Equal(t, "s3", snap.Links[0].DstNode)

	assert.True(t, m.RemoveLink("s1", "s3"))
	assert.False(t, m.RemoveLink("s1", "s3"))
}

func TestRecordMeasurementKeepsNewest(t *testing.T) {
	clock := newFakeClock()
	m := NewModel(WithClock(clock.Now))
	t0 := clock.Now()

	assert.True(t, m.RecordMeasurement("a->b", domain.MeasurementSample{LatencyMs: 10, ObservedAt: t0}))
	assert.False(t, m.RecordMeasurement("a->b", domain.MeasurementSample{LatencyMs: 99, ObservedAt: t0.Add(-time.Second)}))
	assert.True(t, m.RecordMeasurement("a->b", domain.MeasurementSample{LatencyMs: 20, ObservedAt: t0.Add(time.Second)}))

	sample, ok := m.Sample("a->b")
	require.True(t, ok)
	assert.Equal(t, 20.0, sample.LatencyMs)
	assert.Equal(t, "a->b", sample.Key)
}

func TestRemoveStaleOnlyTouchesSamples(t *testing.T) {
	clock := newFakeClock()
	m := NewModel(WithClock(clock.Now))
	require.NoError(t, m.UpsertNode(sw("s1")))

	m.RecordMeasurement("old", domain.MeasurementSample{})
	clock.Advance(time.Minute)
	m.RecordMeasurement("new", domain.MeasurementSample{})

	assert.Equal(t, 1, m.RemoveStale(30*time.Second))
	nodes, _, samples := m.Counts()
	assert.Equal(t, 1, nodes)
	assert.Equal(t, 1, samples)
}

func TestSnapshotFreshSampleHonoursTTL(t *testing.T) {
	clock := newFakeClock()
	m := NewModel(WithClock(clock.Now), WithMeasurementTTL(15*time.Second))

	m.RecordMeasurement("a->b", domain.MeasurementSample{LatencyMs: 12})
	_, ok := m.Snapshot().FreshSample("a->b")
	assert.True(t, ok)

	clock.Advance(20 * time.Second)
	_, ok = m.Snapshot().FreshSample("a->b")
	assert.False(t, ok)

	_, ok = m.Sample("a->b")
	assert.True(t, ok, "stale samples are retained until RemoveStale")
}

func TestSnapshotIsIsolated(t *testing.T) {
	m := NewModel()
	require.NoError(t, m.UpsertNode(domain.NetworkNode{ID: "s1", Kind: domain.NodeSwitch, Attributes: map[string]string{"k": "v"}}))

	snap := m.Snapshot()
	snap.Nodes["s1"].Attributes["k"] = "mutated"
	require.NoError(t, m.UpsertNode(sw("s2")))

	again := m.Snapshot()
	assert.Equal(t, "v", again.Nodes["s1"].Attributes["k"])
	assert.Len(t, snap.Nodes, 1)
	assert.Len(t, again.Nodes, 2)
}

func TestApplyTopologyAndChanges(t *testing.T) {
	m := NewModel()
	err := m.ApplyTopology(domain.Topology{
		Nodes: []domain.NetworkNode{sw("s1"), sw("s2")},
		Links: []domain.NetworkLink{{SrcNode: "s1", DstNode: "s2"}, {SrcNode: "s2", DstNode: "ghost"}},
	})
	require.Error(t, err)
	nodes, links, _ := m.Counts()
	assert.Equal(t, 2, nodes)
	assert.Equal(t, 1, links)

	// A partial view never removes existing entries.
	require.NoError(t, m.ApplyTopology(domain.Topology{Nodes: []domain.NetworkNode{sw("s3")}}))
	nodes, links, _ = m.Counts()
	assert.Equal(t, 3, nodes)
	assert.Equal(t, 1, links)

	s3 := sw("s3")
	require.NoError(t, m.ApplyChange(domain.Change{Kind: domain.LinkAdded, Link: &domain.NetworkLink{SrcNode: "s2", DstNode: "s3"}}))
	require.NoError(t, m.ApplyChange(domain.Change{Kind: domain.NodeRemoved, Node: &s3}))
	require.NoError(t, m.ApplyChange(domain.Change{Kind: domain.LinkRemoved, Link: &domain.NetworkLink{SrcNode: "s1", DstNode: "s2"}}))
	nodes, links, _ = m.Counts()
	assert.Equal(t, 2, nodes)
	assert.Equal(t, 0, links)

	assert.Error(t, m.ApplyChange(domain.Change{Kind: "exploded"}))
	assert.Error(t, m.ApplyChange(domain.Change{Kind: domain.NodeAdded}))
}

func TestModelConcurrentAccess(t *testing.T) {
	m := NewModel()
	require.NoError(t, m.UpsertNode(sw("s1")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordMeasurement("a->b", domain.MeasurementSample{LatencyMs: float64(j)})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				snap := m.Snapshot()
				_, _ = snap.FreshSample("a->b")
			}
		}()
	}
	wg.Wait()
}
