// Package flows owns the lifecycle of installed flow rules: idempotent
// install-or-refresh keyed by intent, retries against the installer, and
// expiry reaping.
package flows

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/netopt/internal/governance"
	"github.com/polisai/netopt/pkg/domain"
	"github.com/polisai/netopt/pkg/telemetry"
)

const (
	DefaultTTL           = 60 * time.Second
	DefaultReapInterval  = 5 * time.Second
	defaultRemoveTimeout = 5 * time.Second
)

// Config tunes the manager.
type Config struct {
	DefaultTTL    time.Duration
	Retry         governance.RetryConfig
	RemoveTimeout time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Manager tracks installed flows. At most one flow exists per key and work on
// a key is serialised.
type Manager struct {
	installer     domain.FlowInstaller
	retry         *governance.RetryPolicy
	defaultTTL    time.Duration
	removeTimeout time.Duration
	logger        *slog.Logger
	tracer        trace.Tracer
	now           func() time.Time

	keys  *keyedMutex
	mu    sync.RWMutex
	flows map[string]domain.InstalledFlow
}

// NewManager creates a flow manager backed by installer.
func NewManager(installer domain.FlowInstaller, cfg Config) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.RemoveTimeout <= 0 {
		cfg.RemoveTimeout = defaultRemoveTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		installer:     installer,
		retry:         governance.NewRetryPolicy(cfg.Retry),
		defaultTTL:    cfg.DefaultTTL,
		removeTimeout: cfg.RemoveTimeout,
		logger:        cfg.Logger,
		tracer:        otel.Tracer("github.com/polisai/netopt/pkg/flows"),
		now:           cfg.Now,
		keys:          newKeyedMutex(),
		flows:         make(map[string]domain.InstalledFlow),
	}
}

// InstallOrRefresh realizes intent. An unexpired flow with the same
// fingerprint only has its expiry extended; otherwise the installer is
// called, with retries.
func (m *Manager) InstallOrRefresh(ctx context.Context, intent domain.FlowIntent) (domain.InstalledFlow, error) {
	if intent.DeviceID == "" {
		return domain.InstalledFlow{}, &domain.ConfigError{Field: "device_id", Reason: "required"}
	}

	key := FlowKey(intent.Match, intent.Action)
	unlock := m.keys.lock(key)
	defer unlock()

	ttl := intent.TTL()
	if ttl <= 0 {
		ttl = m.defaultTTL
		intent.TTLSeconds = int(ttl / time.Second)
	}
	fp := Fingerprint(intent)

	m.mu.RLock()
	existing, found := m.flows[key]
	m.mu.RUnlock()

	now := m.now()
	if found && !existing.Expired(now) && existing.Fingerprint == fp {
		existing.ExpiresAt = now.Add(ttl)
		existing.Refreshes++
		existing.Intent = intent.Clone()
		m.store(existing)
		m.logger.Debug("flow refreshed", "flow_key", key, "device_id", existing.DeviceID, "refreshes", existing.Refreshes)
		return existing, nil
	}

	ruleID, err := m.install(ctx, intent, ttl)
	if err != nil {
		return domain.InstalledFlow{}, err
	}

	if found && existing.RuleID != "" && (existing.DeviceID != intent.DeviceID || existing.RuleID != ruleID) {
		m.removeBestEffort(ctx, existing)
	}

	flow := domain.InstalledFlow{
		Key:         key,
		DeviceID:    intent.DeviceID,
		RuleID:      ruleID,
		Intent:      intent.Clone(),
		Fingerprint: fp,
		InstalledAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	m.store(flow)
	m.logger.Info("flow installed",
		"flow_key", key,
		"device_id", flow.DeviceID,
		"action", string(intent.Action),
		"pair", intent.Pair,
		"expires_at", flow.ExpiresAt)
	return flow, nil
}

func (m *Manager) install(ctx context.Context, intent domain.FlowIntent, ttl time.Duration) (string, error) {
	ctx, span := m.tracer.Start(ctx, "flows.install", trace.WithAttributes(
		attribute.String("device.id", intent.DeviceID),
		attribute.String("intent.action", string(intent.Action)),
		attribute.String("intent.pair", intent.Pair),
	))
	defer span.End()

	actions := RuleActions(intent)
	var ruleID string
	attempts, err := m.retry.Do(ctx, func(ctx context.Context, _ int) error {
		id, err := m.installer.Install(ctx, intent.DeviceID, intent.Match, actions, intent.Priority, ttl)
		telemetry.RecordInstallAttempt(ctx, intent.DeviceID, err)
		if err != nil {
			return err
		}
		ruleID = id
		return nil
	})
	span.SetAttributes(attribute.Int("install.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "install failed")
		m.logger.Warn("flow install failed",
			"device_id", intent.DeviceID,
			"pair", intent.Pair,
			"attempts", attempts,
			"error", err)
		return "", fmt.Errorf("%w: %w", domain.ErrInstaller, err)
	}
	return ruleID, nil
}

func (m *Manager) removeBestEffort(ctx context.Context, flow domain.InstalledFlow) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.removeTimeout)
	defer cancel()
	if err := m.installer.Remove(ctx, flow.DeviceID, flow.RuleID); err != nil {
		m.logger.Warn("stale flow rule removal failed",
			"flow_key", flow.Key,
			"device_id", flow.DeviceID,
			"rule_id", flow.RuleID,
			"error", err)
	}
}

func (m *Manager) store(flow domain.InstalledFlow) {
	m.mu.Lock()
	m.flows[flow.Key] = flow
	m.mu.Unlock()
}

// Get returns the flow stored under key.
func (m *Manager) Get(key string) (domain.InstalledFlow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	flow, ok := m.flows[key]
	if ok {
		flow.Intent = flow.Intent.Clone()
	}
	return flow, ok
}

// List returns a snapshot of installed flows ordered by key.
func (m *Manager) List() []domain.InstalledFlow {
	m.mu.RLock()
	out := make([]domain.InstalledFlow, 0, len(m.flows))
	for _, flow := range m.flows {
		flow.Intent = flow.Intent.Clone()
		out = append(out, flow)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Remove uninstalls the flow under key. The entry is kept when the installer
// refuses so the next Remove or reap can retry.
func (m *Manager) Remove(ctx context.Context, key string) error {
	unlock := m.keys.lock(key)
	defer unlock()

	m.mu.RLock()
	flow, ok := m.flows[key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("flow %s: %w", key, domain.ErrNotFound)
	}

	if flow.RuleID != "" {
		if err := m.installer.Remove(ctx, flow.DeviceID, flow.RuleID); err != nil {
			return fmt.Errorf("%w: remove %s on %s: %w", domain.ErrInstaller, flow.RuleID, flow.DeviceID, err)
		}
	}

	m.mu.Lock()
	delete(m.flows, key)
	m.mu.Unlock()
	m.logger.Info("flow removed", "flow_key", key, "device_id", flow.DeviceID)
	return nil
}

// Reap drops expired entries and returns how many were removed. Device rules
// carry their own hard timeout so no installer call is made.
func (m *Manager) Reap(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	removed := 0
	for key, flow := range m.flows {
		if flow.Expired(now) {
			delete(m.flows, key)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		telemetry.RecordReaped(ctx, removed)
		m.logger.Debug("reaped expired flows", "count", removed)
	}
	return removed
}

// RunReaper reaps on every interval until ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Reap(ctx)
		}
	}
}
