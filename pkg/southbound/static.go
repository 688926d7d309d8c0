package southbound

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/polisai/netopt/pkg/domain"
)

// StaticTopology serves a fixed topology, typically loaded from a file.
type StaticTopology struct {
	Topology domain.Topology
}

// GetTopology implements domain.TopologyProvider.
func (s StaticTopology) GetTopology(context.Context) (domain.Topology, error) {
	return s.Topology, nil
}

// DryRunInstaller logs rules instead of programming devices. It is used when
// no SDN controller is configured.
type DryRunInstaller struct {
	logger *slog.Logger
	next   atomic.Uint64
}

// NewDryRunInstaller returns an installer that only logs.
func NewDryRunInstaller(logger *slog.Logger) *DryRunInstaller {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRunInstaller{logger: logger}
}

// Install implements domain.FlowInstaller.
func (d *DryRunInstaller) Install(_ context.Context, deviceID string, match domain.FlowMatch, actions []domain.FlowRuleAction, priority int, ttl time.Duration) (string, error) {
	id := fmt.Sprintf("dryrun-%d", d.next.Add(1))
	d.logger.Info("flow rule (dry run)",
		"device_id", deviceID,
		"rule_id", id,
		"src_ip", match.SrcIP,
		"dst_ip", match.DstIP,
		"actions", actions,
		"priority", priority,
		"ttl", ttl)
	return id, nil
}

// Remove implements domain.FlowInstaller.
func (d *DryRunInstaller) Remove(_ context.Context, deviceID, ruleID string) error {
	d.logger.Info("flow rule removed (dry run)", "device_id", deviceID, "rule_id", ruleID)
	return nil
}
