package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/netopt/pkg/domain"
	"github.com/polisai/netopt/pkg/telemetry"
	"github.com/polisai/netopt/pkg/topology"
)

// Config tunes the probe loop.
type Config struct {
	Interval        time.Duration
	ProbeTimeout    time.Duration
	Concurrency     int
	ProbeLinks      bool
	SampleRetention time.Duration
	Logger          *slog.Logger
}

const (
	DefaultInterval     = 10 * time.Second
	DefaultProbeTimeout = 2 * time.Second
	DefaultConcurrency  = 8
)

// TickReport summarises one probe round.
type TickReport struct {
	Probed  int
	Failed  int
	Removed int
}

// Monitor periodically probes monitored pairs (and optionally links) and
// records the samples into the model. A failed probe leaves the previous
// sample in place and bumps the key's staleness counter.
type Monitor struct {
	model    *topology.Model
	registry *Registry
	probe    domain.Probe
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer

	mu        sync.Mutex
	staleness map[string]int
}

// New creates a monitor with defaults applied to cfg.
func New(model *topology.Model, registry *Registry, probe domain.Probe, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		model:     model,
		registry:  registry,
		probe:     probe,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("github.com/polisai/netopt/pkg/monitor"),
		staleness: make(map[string]int),
	}
}

// Registry exposes the endpoint registry backing the monitor.
func (m *Monitor) Registry() *Registry {
	return m.registry
}

// Staleness returns how many consecutive probes of key have failed.
func (m *Monitor) Staleness(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staleness[key]
}

// Tick probes every key once with bounded concurrency.
func (m *Monitor) Tick(ctx context.Context) TickReport {
	keys := m.keys()
	ctx, span := m.tracer.Start(ctx, "monitor.tick", trace.WithAttributes(
		attribute.Int("monitor.keys", len(keys)),
	))
	defer span.End()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		report TickReport
		sem    = make(chan struct{}, m.cfg.Concurrency)
	)

	for _, key := range keys {
		select {
		case <-ctx.Done():
			wg.Wait()
			return report
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := m.probeOne(ctx, key)
			mu.Lock()
			report.Probed++
			if err != nil {
				report.Failed++
			}
			mu.Unlock()
		}(key)
	}
	wg.Wait()

	if m.cfg.SampleRetention > 0 {
		report.Removed = m.model.RemoveStale(m.cfg.SampleRetention)
	}
	span.SetAttributes(attribute.Int("monitor.failed", report.Failed))
	return report
}

func (m *Monitor) probeOne(ctx context.Context, key string) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	sample, err := m.probe.Measure(probeCtx, key)
	if err == nil {
		err = probeCtx.Err()
	}
	telemetry.RecordProbe(ctx, key, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.staleness[key]++
		telemetry.RecordStaleness(ctx, key, m.staleness[key])
		m.logger.Warn("probe failed",
			"key", key,
			"consecutive_failures", m.staleness[key],
			"error", fmt.Errorf("%w: %w", domain.ErrProbeFailed, err))
		return err
	}
	delete(m.staleness, key)
	telemetry.RecordStaleness(ctx, key, 0)
	m.model.RecordMeasurement(key, sample)
	return nil
}

func (m *Monitor) keys() []string {
	pairs := m.registry.Pairs()
	keys := make([]string, 0, len(pairs))
	for _, p := range pairs {
		keys = append(keys, p.Key())
	}
	if m.cfg.ProbeLinks {
		for _, link := range m.model.Snapshot().Links {
			keys = append(keys, link.Key())
		}
	}
	return keys
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.runTick(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.runTick(ctx)
		}
	}
}

func (m *Monitor) runTick(ctx context.Context) {
	report := m.Tick(ctx)
	m.logger.Debug("monitor tick complete",
		"probed", report.Probed,
		"failed", report.Failed,
		"removed_samples", report.Removed)
}
