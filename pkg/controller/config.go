package controller

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/polisai/netopt/pkg/topology"
)

// Defaults for the tunables. Policies carrying a thresholds action override
// the threshold and cooldown values per pair.
const (
	DefaultInterval               = 5 * time.Second
	DefaultLatencyThresholdMs     = 50.0
	DefaultCongestionThresholdBps = 80_000_000.0
	DefaultCooldownTicks          = 1
	DefaultPolicyTTL              = 5 * time.Second
	DefaultStoreTimeout           = 3 * time.Second
	DefaultFlowTTLSeconds         = 60
	DefaultReroutePriority        = 40000
	DefaultQoSPriority            = 30000
	DefaultQoSQueueID             = 1
	DefaultConcurrency            = 8
)

// Config tunes the control loop.
type Config struct {
	Interval               time.Duration
	LatencyThresholdMs     float64
	CongestionThresholdBps float64
	CooldownTicks          int
	DefaultLinkCost        float64
	PolicyTTL              time.Duration
	// StoreTimeout bounds each policy store round trip.
	StoreTimeout    time.Duration
	FlowTTLSeconds  int
	ReroutePriority int
	QoSPriority     int
	QoSQueueID      int
	Concurrency     int
	Logger          *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.LatencyThresholdMs <= 0 {
		c.LatencyThresholdMs = DefaultLatencyThresholdMs
	}
	if c.CongestionThresholdBps <= 0 {
		c.CongestionThresholdBps = DefaultCongestionThresholdBps
	}
	if c.CooldownTicks <= 0 {
		c.CooldownTicks = DefaultCooldownTicks
	}
	if c.DefaultLinkCost <= 0 {
		c.DefaultLinkCost = topology.DefaultLinkCost
	}
	if c.PolicyTTL <= 0 {
		c.PolicyTTL = DefaultPolicyTTL
	}
	if c.FlowTTLSeconds <= 0 {
		c.FlowTTLSeconds = DefaultFlowTTLSeconds
	}
	if c.ReroutePriority <= 0 {
		c.ReroutePriority = DefaultReroutePriority
	}
	if c.QoSPriority <= 0 {
		c.QoSPriority = DefaultQoSPriority
	}
	if c.QoSQueueID <= 0 {
		c.QoSQueueID = DefaultQoSQueueID
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Thresholds are the effective limits for one pair in one tick.
type Thresholds struct {
	LatencyMs     float64 `json:"latency_ms"`
	BandwidthBps  float64 `json:"bandwidth_bps"`
	CooldownTicks int     `json:"cooldown_ticks"`
	// PolicyID names the policy that supplied the overrides, if any.
	PolicyID string `json:"policy_id,omitempty"`
}

// override applies the numeric parameters present in params.
func (t Thresholds) override(params map[string]any) Thresholds {
	if v, ok := number(params["latency_ms"]); ok && v > 0 {
		t.LatencyMs = v
	}
	if v, ok := number(params["bandwidth_bps"]); ok && v > 0 {
		t.BandwidthBps = v
	}
	if v, ok := number(params["cooldown_ticks"]); ok && v >= 1 {
		t.CooldownTicks = int(v)
	}
	return t
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
