package domain

import "time"

// PairState is the remediation state of a monitored pair.
type PairState string

const (
	StateNominal     PairState = "nominal"
	StateCongested   PairState = "congested"
	StateRemediating PairState = "remediating"
)

// Result reasons recorded in status records.
const (
	ResultOK            = "ok"
	ResultNoPath        = "no_path"
	ResultPathUnchanged = "path_unchanged"
	ResultCooldown      = "cooldown"
	ResultPolicyDenied  = "policy_denied"
	ResultInstallFailed = "install_failed"
	ResultStale         = "stale"
)

// StatusRecord is a single decision/status feed entry for a pair.
type StatusRecord struct {
	Sequence   uint64      `json:"sequence"`
	Pair       string      `json:"pair"`
	State      PairState   `json:"state"`
	LatencyMs  float64     `json:"latency_ms,omitempty"`
	Bandwidth  float64     `json:"bandwidth_bps,omitempty"`
	LastIntent *FlowIntent `json:"last_intent,omitempty"`
	LastResult string      `json:"last_result"`
	Timestamp  time.Time   `json:"timestamp"`
}
