package domain

import (
	"context"
	"time"
)

// IntentAction is the kind of traffic-engineering remediation requested.
type IntentAction string

const (
	IntentReroute IntentAction = "reroute"
	IntentQoS     IntentAction = "qos"
	IntentIsolate IntentAction = "isolate"
)

// FlowMatch selects the traffic a flow rule applies to.
type FlowMatch struct {
	SrcIP    string `json:"src_ip"`
	DstIP    string `json:"dst_ip"`
	Protocol string `json:"protocol,omitempty"`
	DstPort  int    `json:"dst_port,omitempty"`
}

// FlowIntent is a proposed remediation not yet realized as a device rule.
type FlowIntent struct {
	Match       FlowMatch      `json:"match"`
	Action      IntentAction   `json:"action"`
	DeviceID    string         `json:"device_id"`
	Path        []string       `json:"path,omitempty"`
	OutPort     string         `json:"out_port,omitempty"`
	QueueID     int            `json:"queue_id,omitempty"`
	Priority    int            `json:"priority"`
	TTLSeconds  int            `json:"ttl_seconds"`
	Reason      string         `json:"reason"`
	Annotations map[string]any `json:"annotations,omitempty"`
	Pair        string         `json:"pair"`
}

// Clone returns a deep copy of the intent.
func (fi FlowIntent) Clone() FlowIntent {
	if fi.Path != nil {
		fi.Path = append([]string(nil), fi.Path...)
	}
	fi.Annotations = CloneAnyMap(fi.Annotations)
	return fi
}

// TTL returns the intent lifetime as a duration.
func (fi FlowIntent) TTL() time.Duration {
	return time.Duration(fi.TTLSeconds) * time.Second
}

// FlowRuleAction is a single device-level instruction attached to a rule.
type FlowRuleAction struct {
	Type  string `json:"type"`
	Port  string `json:"port,omitempty"`
	Queue int    `json:"queue,omitempty"`
}

// InstalledFlow tracks an active device rule and its expiry. At most one
// exists per Key.
type InstalledFlow struct {
	Key         string     `json:"key"`
	DeviceID    string     `json:"device_id"`
	RuleID      string     `json:"rule_id,omitempty"`
	Intent      FlowIntent `json:"intent"`
	Fingerprint string     `json:"fingerprint"`
	InstalledAt time.Time  `json:"installed_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Refreshes   int        `json:"refreshes"`
}

// Expired reports whether the rule has outlived its TTL at now.
func (f InstalledFlow) Expired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}

// FlowInstaller programs device rules. Implementations must tolerate
// duplicate installs of the same rule.
type FlowInstaller interface {
	// Install programs a rule and returns the device-assigned rule id.
	Install(ctx context.Context, deviceID string, match FlowMatch, actions []FlowRuleAction, priority int, ttl time.Duration) (string, error)
	// Remove deletes a rule by the id Install returned.
	Remove(ctx context.Context, deviceID, ruleID string) error
}
