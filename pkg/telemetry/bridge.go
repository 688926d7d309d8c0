package telemetry

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MeterBridge owns an in-process MeterProvider and republishes everything it
// records as Prometheus const metrics, so the control-loop instruments show up
// on the same /metrics endpoint as the HTTP metrics.
type MeterBridge struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
}

// NewMeterBridge creates a bridge backed by a manual reader.
func NewMeterBridge() *MeterBridge {
	reader := sdkmetric.NewManualReader()
	return &MeterBridge{
		reader:   reader,
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
}

// Install makes the bridge's provider the global MeterProvider and rebinds
// the package instruments to it.
func (b *MeterBridge) Install() {
	otel.SetMeterProvider(b.provider)
	ResetMetricsForTest()
}

// Shutdown releases the underlying provider.
func (b *MeterBridge) Shutdown(ctx context.Context) error {
	return b.provider.Shutdown(ctx)
}

// Describe implements prometheus.Collector. The bridge is an unchecked
// collector because instrument sets are only known after collection.
func (b *MeterBridge) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (b *MeterBridge) Collect(ch chan<- prometheus.Metric) {
	var rm metricdata.ResourceMetrics
	if err := b.reader.Collect(context.Background(), &rm); err != nil {
		desc := prometheus.NewDesc("netopt_telemetry_bridge_error", "OpenTelemetry collection failed", nil, nil)
		ch <- prometheus.NewInvalidMetric(desc, err)
		return
	}

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			emitMetric(ch, m)
		}
	}
}

func emitMetric(ch chan<- prometheus.Metric, m metricdata.Metrics) {
	name := promName(m.Name)
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			emitValue(ch, name, m.Description, dp.Attributes, float64(dp.Value), data.IsMonotonic)
		}
	case metricdata.Sum[float64]:
		for _, dp := range data.DataPoints {
			emitValue(ch, name, m.Description, dp.Attributes, dp.Value, data.IsMonotonic)
		}
	case metricdata.Gauge[int64]:
		for _, dp := range data.DataPoints {
			emitValue(ch, name, m.Description, dp.Attributes, float64(dp.Value), false)
		}
	case metricdata.Gauge[float64]:
		for _, dp := range data.DataPoints {
			emitValue(ch, name, m.Description, dp.Attributes, dp.Value, false)
		}
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			keys, values := labels(dp.Attributes)
			desc := prometheus.NewDesc(name, m.Description, keys, nil)
			buckets := make(map[float64]uint64, len(dp.Bounds))
			var cumulative uint64
			for i, bound := range dp.Bounds {
				cumulative += dp.BucketCounts[i]
				buckets[bound] = cumulative
			}
			metric, err := prometheus.NewConstHistogram(desc, dp.Count, dp.Sum, buckets, values...)
			if err != nil {
				metric = prometheus.NewInvalidMetric(desc, err)
			}
			ch <- metric
		}
	}
}

func emitValue(ch chan<- prometheus.Metric, name, help string, set attribute.Set, value float64, monotonic bool) {
	keys, values := labels(set)
	desc := prometheus.NewDesc(name, help, keys, nil)
	kind := prometheus.GaugeValue
	if monotonic {
		kind = prometheus.CounterValue
	}
	metric, err := prometheus.NewConstMetric(desc, kind, value, values...)
	if err != nil {
		metric = prometheus.NewInvalidMetric(desc, err)
	}
	ch <- metric
}

func labels(set attribute.Set) ([]string, []string) {
	kvs := set.ToSlice()
	keys := make([]string, 0, len(kvs))
	values := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		keys = append(keys, promName(string(kv.Key)))
		values = append(values, kv.Value.Emit())
	}
	return keys, values
}

func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", "/", "_").Replace(name)
}
