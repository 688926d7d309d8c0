package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/polisai/netopt/pkg/domain"
	"github.com/polisai/netopt/pkg/telemetry"
	"github.com/polisai/netopt/pkg/topology"
)

type fakeProbe struct {
	mu       sync.Mutex
	samples  map[string]domain.MeasurementSample
	failures map[string]error
	block    map[string]bool
	calls    map[string]int

	inflight    atomic.Int32
	maxInflight atomic.Int32
	delay       time.Duration
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{
		samples:  map[string]domain.MeasurementSample{},
		failures: map[string]error{},
		block:    map[string]bool{},
		calls:    map[string]int{},
	}
}

func (p *fakeProbe) Measure(ctx context.Context, key string) (domain.MeasurementSample, error) {
	n := p.inflight.Add(1)
	defer p.inflight.Add(-1)
	for {
		cur := p.maxInflight.Load()
		if n <= cur || p.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}

	p.mu.Lock()
	p.calls[key]++
	sample, ok := p.samples[key]
	err := p.failures[key]
	block := p.block[key]
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return domain.MeasurementSample{}, ctx.Err()
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if err != nil {
		return domain.MeasurementSample{}, err
	}
	if !ok {
		sample = domain.MeasurementSample{LatencyMs: 1}
	}
	return sample, nil
}

func (p *fakeProbe) set(key string, sample domain.MeasurementSample, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples[key] = sample
	if err != nil {
		p.failures[key] = err
	} else {
		delete(p.failures, key)
	}
}

func flRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, ep := range []domain.Endpoint{
		{IP: "10.0.0.1", Role: domain.RoleServer},
		{IP: "10.0.0.2", Role: domain.RoleClient},
		{IP: "10.0.0.3", Role: domain.RoleClient},
	} {
		_, err := r.Register(ep)
		require.NoError(t, err)
	}
	return r
}

func TestRegistryPairsBothDirections(t *testing.T) {
	r := flRegistry(t)

	var keys []string
	for _, p := range r.Pairs() {
		keys = append(keys, p.Key())
	}
	assert.Equal(t, []string{
		"10.0.0.1->10.0.0.2",
		"10.0.0.1->10.0.0.3",
		"10.0.0.2->10.0.0.1",
		"10.0.0.3->10.0.0.1",
	}, keys)
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry()

	_, err := r.Register(domain.Endpoint{IP: "not-an-ip", Role: domain.RoleClient})
	require.ErrorIs(t, err, domain.ErrConfigInvalid)

	_, err = r.Register(domain.Endpoint{IP: "10.0.0.9", Role: "observer"})
	require.ErrorIs(t, err, domain.ErrConfigInvalid)

	ep, err := r.Register(domain.Endpoint{IP: "10.0.0.9", Role: domain.RoleClient})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", ep.ID)

	assert.True(t, r.Unregister("10.0.0.9"))
	assert.False(t, r.Unregister("10.0.0.9"))
	assert.Empty(t, r.List())
}

func TestTickRecordsSamples(t *testing.T) {
	model := topology.NewModel()
	probe := newFakeProbe()
	probe.set("10.0.0.1->10.0.0.2", domain.MeasurementSample{LatencyMs: 80, BandwidthBps: 1e6}, nil)
	m := New(model, flRegistry(t), probe, Config{})

	report := m.Tick(context.Background())
	assert.Equal(t, TickReport{Probed: 4}, report)

	sample, ok := model.Sample("10.0.0.1->10.0.0.2")
	require.True(t, ok)
	assert.Equal(t, 80.0, sample.LatencyMs)
	assert.Equal(t, "10.0.0.1->10.0.0.2", sample.Key)
}

func TestTickFailureRetainsPreviousSample(t *testing.T) {
	model := topology.NewModel()
	probe := newFakeProbe()
	key := "10.0.0.1->10.0.0.2"
	probe.set(key, domain.MeasurementSample{LatencyMs: 12}, nil)
	m := New(model, flRegistry(t), probe, Config{})

	m.Tick(context.Background())
	assert.Equal(t, 0, m.Staleness(key))

	probe.set(key, domain.MeasurementSample{}, errors.New("connection refused"))
	report := m.Tick(context.Background())
	assert.Equal(t, 1, report.Failed)
	m.Tick(context.Background())
	assert.Equal(t, 2, m.Staleness(key))

	sample, ok := model.Sample(key)
	require.True(t, ok)
	assert.Equal(t, 12.0, sample.LatencyMs, "failed probes must not clobber the last sample")

	probe.set(key, domain.MeasurementSample{LatencyMs: 15}, nil)
	m.Tick(context.Background())
	assert.Equal(t, 0, m.Staleness(key))
}

func TestTickExportsConsecutiveFailures(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	telemetry.ResetMetricsForTest()
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		telemetry.ResetMetricsForTest()
	})

	probe := newFakeProbe()
	failing := "10.0.0.1->10.0.0.2"
	probe.set(failing, domain.MeasurementSample{}, errors.New("connection refused"))
	m := New(topology.NewModel(), flRegistry(t), probe, Config{})

	m.Tick(context.Background())
	m.Tick(context.Background())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	byKey := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != "netopt.monitor.consecutive_failures" {
				continue
			}
			for _, dp := range metric.Data.(metricdata.Gauge[int64]).DataPoints {
				key, _ := dp.Attributes.Value(attribute.Key("probe.key"))
				byKey[key.AsString()] = dp.Value
			}
		}
	}
	assert.Equal(t, int64(2), byKey[failing])
	assert.Equal(t, int64(m.Staleness(failing)), byKey[failing])
}

func TestTickTimesOutSlowProbes(t *testing.T) {
	model := topology.NewModel()
	probe := newFakeProbe()
	probe.block["10.0.0.1->10.0.0.3"] = true
	m := New(model, flRegistry(t), probe, Config{ProbeTimeout: 20 * time.Millisecond})

	start := time.Now()
	report := m.Tick(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, m.Staleness("10.0.0.1->10.0.0.3"))
}

func TestTickBoundsConcurrency(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(domain.Endpoint{IP: "10.0.1.1", Role: domain.RoleServer})
	require.NoError(t, err)
	for _, ip := range []string{"10.0.1.2", "10.0.1.3", "10.0.1.4", "10.0.1.5", "10.0.1.6"} {
		_, err := r.Register(domain.Endpoint{IP: ip, Role: domain.RoleClient})
		require.NoError(t, err)
	}

	probe := newFakeProbe()
	probe.delay = 5 * time.Millisecond
	m := New(topology.NewModel(), r, probe, Config{Concurrency: 2})

	report := m.Tick(context.Background())
	assert.Equal(t, 10, report.Probed)
	assert.LessOrEqual(t, probe.maxInflight.Load(), int32(2))
}

func TestTickProbesLinksWhenEnabled(t *testing.T) {
	model := topology.NewModel()
	require.NoError(t, model.ApplyTopology(domain.Topology{
		Nodes: []domain.NetworkNode{{ID: "s1", Kind: domain.NodeSwitch}, {ID: "s2", Kind: domain.NodeSwitch}},
		Links: []domain.NetworkLink{{SrcNode: "s1", DstNode: "s2"}},
	}))
	probe := newFakeProbe()
	m := New(model, NewRegistry(), probe, Config{ProbeLinks: true})

	report := m.Tick(context.Background())
	assert.Equal(t, 1, report.Probed)
	_, ok := model.Sample(domain.LinkKey("s1", "s2"))
	assert.True(t, ok)
}

func TestRunStopsOnCancel(t *testing.T) {
	probe := newFakeProbe()
	m := New(topology.NewModel(), flRegistry(t), probe, Config{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		probe.mu.Lock()
		defer probe.mu.Unlock()
		return probe.calls["10.0.0.1->10.0.0.2"] >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}
