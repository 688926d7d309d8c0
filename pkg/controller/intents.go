package controller

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/netopt/pkg/domain"
	"github.com/polisai/netopt/pkg/flows"
	"github.com/polisai/netopt/pkg/policy"
	"github.com/polisai/netopt/pkg/telemetry"
	"github.com/polisai/netopt/pkg/topology"
)

// decide builds, admits and executes one intent for pair and returns the
// executed intent (nil unless the result is ok) with its result reason.
func (c *Controller) decide(
	ctx context.Context,
	tick uint64,
	snap *topology.Snapshot,
	policies []domain.Policy,
	pair domain.MonitoredPair,
	sample domain.MeasurementSample,
	th Thresholds,
	action domain.IntentAction,
) (*domain.FlowIntent, string) {
	cooldownKey := pair.Key() + "|" + string(action)
	if c.cooling(cooldownKey, tick, th.CooldownTicks) {
		return nil, domain.ResultCooldown
	}

	var (
		intent domain.FlowIntent
		result string
	)
	switch action {
	case domain.IntentReroute:
		intent, result = c.rerouteIntent(snap, pair, sample, th)
	case domain.IntentQoS:
		intent, result = c.qosIntent(snap, pair, sample, th)
	default:
		return nil, fmt.Sprintf("unsupported action %s", action)
	}
	if result != domain.ResultOK {
		c.logger.Debug("intent suppressed", "pair", pair.Key(), "action", string(action), "result", result)
		return nil, result
	}

	evalCtx := intentContext(pair, sample, intent)
	verdict := policy.Summarize(c.deps.Evaluator.ApplyPoliciesOrdered(ctx, policies, evalCtx))
	telemetry.RecordAdmission(trace.SpanFromContext(ctx), pair.Key(), string(action), verdict.Denied, verdict.DeniedBy, verdict.Reason)
	if verdict.Denied {
		c.logger.Info("intent denied by policy",
			"pair", pair.Key(),
			"action", string(action),
			"policy_id", verdict.DeniedBy,
			"reason", verdict.Reason)
		return nil, domain.ResultPolicyDenied
	}
	applyVerdict(&intent, verdict)

	if ctx.Err() != nil {
		return nil, domain.ResultInstallFailed + ": " + ctx.Err().Error()
	}

	res := c.deps.Evaluator.Execute(ctx, domain.Action{
		Type:       policy.ActionSDN,
		Target:     pair.Key(),
		Parameters: map[string]any{flows.ParamIntent: intent},
	}, evalCtx)
	if !res.OK {
		c.logger.Warn("intent install failed",
			"pair", pair.Key(),
			"action", string(action),
			"device_id", intent.DeviceID,
			"error", res.Error)
		return nil, domain.ResultInstallFailed + ": " + res.Error
	}

	c.markEmitted(cooldownKey, tick)
	c.logger.Info("flow intent emitted",
		"pair", pair.Key(),
		"action", string(action),
		"device_id", intent.DeviceID,
		"path", strings.Join(intent.Path, ","),
		"reason", intent.Reason)
	return &intent, domain.ResultOK
}

func (c *Controller) rerouteIntent(snap *topology.Snapshot, pair domain.MonitoredPair, sample domain.MeasurementSample, th Thresholds) (domain.FlowIntent, string) {
	route, ingress, ok := c.route(snap, pair)
	if !ok {
		return domain.FlowIntent{}, domain.ResultNoPath
	}

	intent := domain.FlowIntent{
		Match:      domain.FlowMatch{SrcIP: pair.Src.IP, DstIP: pair.Dst.IP},
		Action:     domain.IntentReroute,
		DeviceID:   ingress,
		Path:       route.Path,
		OutPort:    outPort(snap, route.Path, pair.Dst),
		Priority:   c.cfg.ReroutePriority,
		TTLSeconds: c.cfg.FlowTTLSeconds,
		Reason:     fmt.Sprintf("latency %.1fms exceeds %.1fms", sample.LatencyMs, th.LatencyMs),
		Pair:       pair.Key(),
	}

	if c.deps.Flows != nil {
		existing, found := c.deps.Flows.Get(flows.FlowKey(intent.Match, intent.Action))
		if found && !existing.Expired(c.now()) && topology.SamePath(existing.Intent.Path, route.Path) {
			return domain.FlowIntent{}, domain.ResultPathUnchanged
		}
	}
	return intent, domain.ResultOK
}

func (c *Controller) qosIntent(snap *topology.Snapshot, pair domain.MonitoredPair, sample domain.MeasurementSample, th Thresholds) (domain.FlowIntent, string) {
	ingress, ok := snap.AttachmentSwitch(pair.Src)
	if !ok {
		return domain.FlowIntent{}, domain.ResultNoPath
	}
	intent := domain.FlowIntent{
		Match:      domain.FlowMatch{SrcIP: pair.Src.IP, DstIP: pair.Dst.IP},
		Action:     domain.IntentQoS,
		DeviceID:   ingress,
		QueueID:    c.cfg.QoSQueueID,
		Priority:   c.cfg.QoSPriority,
		TTLSeconds: c.cfg.FlowTTLSeconds,
		Reason:     fmt.Sprintf("bandwidth %.0fbps exceeds %.0fbps", sample.BandwidthBps, th.BandwidthBps),
		Pair:       pair.Key(),
	}
	if route, _, ok := c.route(snap, pair); ok {
		intent.Path = route.Path
		intent.OutPort = outPort(snap, route.Path, pair.Dst)
	}
	return intent, domain.ResultOK
}

// route computes the switch path between the pair's attachment switches.
func (c *Controller) route(snap *topology.Snapshot, pair domain.MonitoredPair) (topology.RouteResult, string, bool) {
	src, ok := snap.AttachmentSwitch(pair.Src)
	if !ok {
		return topology.RouteResult{}, "", false
	}
	dst, ok := snap.AttachmentSwitch(pair.Dst)
	if !ok {
		return topology.RouteResult{}, "", false
	}
	route := snap.ShortestPath(src, dst, c.cfg.DefaultLinkCost)
	if !route.OK() {
		return route, "", false
	}
	return route, src, true
}

// outPort is the ingress port towards the next hop, or the destination's
// access port when both endpoints share a switch.
func outPort(snap *topology.Snapshot, path []string, dst domain.Endpoint) string {
	if len(path) > 1 {
		if link, ok := snap.LinkBetween(path[0], path[1]); ok {
			return link.SrcPort
		}
	}
	return dst.Port
}

func applyVerdict(intent *domain.FlowIntent, v policy.Verdict) {
	if len(v.Annotations) > 0 {
		intent.Annotations = domain.CloneAnyMap(v.Annotations)
	}
	if v.Priority != nil {
		intent.Priority = *v.Priority
	}
	if v.TTLSeconds != nil {
		intent.TTLSeconds = *v.TTLSeconds
	}
}

// pairContext is the evaluation context used to resolve thresholds.
func pairContext(pair domain.MonitoredPair, sample domain.MeasurementSample) domain.EvalContext {
	return domain.EvalContext{
		"pair":          pair.Key(),
		"src_ip":        pair.Src.IP,
		"dst_ip":        pair.Dst.IP,
		"component":     firstNonEmpty(pair.Src.Component, pair.Dst.Component),
		"domain":        firstNonEmpty(pair.Src.Domain, pair.Dst.Domain),
		"latency_ms":    sample.LatencyMs,
		"bandwidth_bps": sample.BandwidthBps,
	}
}

// intentContext is the admission context for a candidate intent.
func intentContext(pair domain.MonitoredPair, sample domain.MeasurementSample, intent domain.FlowIntent) domain.EvalContext {
	evalCtx := pairContext(pair, sample)
	evalCtx["action"] = string(intent.Action)
	evalCtx["priority"] = intent.Priority
	evalCtx["device_id"] = intent.DeviceID
	evalCtx["path_length"] = len(intent.Path)
	return evalCtx
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func canonical(actionType string) string {
	return strings.ToLower(strings.TrimSpace(actionType))
}

// resultClass strips error detail so metric cardinality stays bounded.
func resultClass(result string) string {
	if strings.HasPrefix(result, domain.ResultInstallFailed) {
		return domain.ResultInstallFailed
	}
	return result
}
