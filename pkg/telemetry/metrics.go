package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const meterName = "netopt.control"

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	tickCounter           metric.Int64Counter
	tickDurationHistogram metric.Float64Histogram
	intentCounter         metric.Int64Counter
	installAttemptCounter metric.Int64Counter
	probeFailureCounter   metric.Int64Counter
	probeCounter          metric.Int64Counter
	reapedCounter         metric.Int64Counter
	stalenessGauge        metric.Int64Gauge
)

// TickMetrics summarises one controller tick.
type TickMetrics struct {
	Pairs    int
	Intents  int
	Duration time.Duration
	Stale    bool
}

// RecordTick emits the tick counter and duration histogram.
func RecordTick(ctx context.Context, m TickMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Bool("policy.cache.stale", m.Stale),
	)
	tickCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		tickDurationHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

// RecordIntent counts a flow intent decision keyed by action and result
// (ok, no_path, path_unchanged, cooldown, policy_denied, install_failed).
func RecordIntent(ctx context.Context, action, result string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	intentCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("intent.action", action),
		attribute.String("intent.result", result),
	))
}

// RecordInstallAttempt counts a single call to the flow installer.
func RecordInstallAttempt(ctx context.Context, deviceID string, err error) {
	if ensureMetrics() != nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	installAttemptCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("device.id", deviceID),
		attribute.String("install.outcome", outcome),
	))
}

// RecordProbe counts a probe and, when err is non-nil, a probe failure.
func RecordProbe(ctx context.Context, key string, err error) {
	if ensureMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("probe.key", key))
	probeCounter.Add(ctx, 1, attrs)
	if err != nil {
		probeFailureCounter.Add(ctx, 1, attrs)
	}
}

// RecordStaleness reports how many consecutive probes of key have failed.
// Zero means the last probe succeeded.
func RecordStaleness(ctx context.Context, key string, failures int) {
	if ensureMetrics() != nil {
		return
	}
	stalenessGauge.Record(ctx, int64(failures), metric.WithAttributes(attribute.String("probe.key", key)))
}

// RecordReaped counts installed flows dropped by the reaper.
func RecordReaped(ctx context.Context, n int) {
	if n <= 0 || ensureMetrics() != nil {
		return
	}
	reapedCounter.Add(ctx, int64(n))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)

		tickCounter, metricsInitErr = meter.Int64Counter(
			"netopt.controller.ticks_total",
			metric.WithDescription("Controller ticks executed"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		tickDurationHistogram, metricsInitErr = meter.Float64Histogram(
			"netopt.controller.tick_duration_ms",
			metric.WithDescription("Wall time spent evaluating one controller tick"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		intentCounter, metricsInitErr = meter.Int64Counter(
			"netopt.controller.intents_total",
			metric.WithDescription("Flow intents partitioned by action and result"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		installAttemptCounter, metricsInitErr = meter.Int64Counter(
			"netopt.flows.install_attempts_total",
			metric.WithDescription("Calls made to the flow installer, including retries"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		reapedCounter, metricsInitErr = meter.Int64Counter(
			"netopt.flows.reaped_total",
			metric.WithDescription("Expired flows dropped by the reaper"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		probeCounter, metricsInitErr = meter.Int64Counter(
			"netopt.monitor.probes_total",
			metric.WithDescription("Measurement probes issued"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		probeFailureCounter, metricsInitErr = meter.Int64Counter(
			"netopt.monitor.probe_failures_total",
			metric.WithDescription("Measurement probes that failed or timed out"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stalenessGauge, metricsInitErr = meter.Int64Gauge(
			"netopt.monitor.consecutive_failures",
			metric.WithDescription("Consecutive failed probes per pair or link key"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordAdmission annotates the span with the outcome of admitting a flow
// intent through the policy evaluator.
func RecordAdmission(span trace.Span, pair, action string, denied bool, deniedBy, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("intent.pair", pair),
		attribute.String("intent.action", action),
		attribute.Bool("policy.denied", denied),
	}
	if deniedBy != "" {
		attrs = append(attrs, attribute.String("policy.denied_by", deniedBy))
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("policy.reason", reason))
	}

	span.AddEvent("policy.admission", trace.WithAttributes(attrs...))
}
