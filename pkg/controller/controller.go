// Package controller runs the optimization loop: every tick it refreshes the
// policy cache, snapshots the network model, decides per monitored pair
// whether to reroute or apply QoS, admits each intent through the policy
// evaluator and hands admitted intents to the flow manager.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/netopt/pkg/domain"
	"github.com/polisai/netopt/pkg/feed"
	"github.com/polisai/netopt/pkg/policy"
	"github.com/polisai/netopt/pkg/telemetry"
	"github.com/polisai/netopt/pkg/topology"
)

// PairSource lists the monitored pairs.
type PairSource interface {
	Pairs() []domain.MonitoredPair
}

// FlowView exposes installed flows by key.
type FlowView interface {
	Get(key string) (domain.InstalledFlow, bool)
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Model     *topology.Model
	Pairs     PairSource
	Evaluator *policy.Evaluator
	Cache     *policy.PolicyCache
	Source    policy.Source
	Flows     FlowView
	Feed      *feed.Feed
}

// Option customises a Controller.
type Option func(*Controller)

// WithStateObserver registers a callback invoked whenever a pair's state is
// evaluated.
func WithStateObserver(fn func(pair string, state domain.PairState)) Option {
	return func(c *Controller) {
		c.stateObserver = fn
	}
}

// WithClock overrides the time source used for status timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller is the optimization control loop.
type Controller struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	stateObserver func(string, domain.PairState)

	mu       sync.Mutex
	tick     uint64
	lastEmit map[string]uint64
	states   map[string]domain.PairState
	// lastIntent is the most recent intent emitted per pair.
	lastIntent map[string]domain.FlowIntent
}

// New creates a controller.
func New(cfg Config, deps Deps, opts ...Option) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:        cfg,
		deps:       deps,
		logger:     cfg.Logger,
		tracer:     otel.Tracer("github.com/polisai/netopt/pkg/controller"),
		now:        time.Now,
		lastEmit:   make(map[string]uint64),
		states:     make(map[string]domain.PairState),
		lastIntent: make(map[string]domain.FlowIntent),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TickReport summarises one tick.
type TickReport struct {
	Tick    uint64
	Records []domain.StatusRecord
	Intents int
	// PolicyErr is set when the cache refresh failed and the last good
	// policy set was used.
	PolicyErr error
}

// Start primes the policy cache and then ticks every interval until ctx is
// cancelled. A failed initial policy fetch is returned immediately.
func (c *Controller) Start(ctx context.Context) error {
	primeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	err := c.deps.Cache.Prime(primeCtx, c.deps.Source)
	cancel()
	if err != nil {
		return fmt.Errorf("initial policy fetch: %w", err)
	}
	c.logger.Info("controller started",
		"policies", len(c.deps.Cache.Policies()),
		"policy_version", c.deps.Cache.Version(),
		"interval", c.cfg.Interval)

	c.Tick(ctx)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("controller stopped")
			return nil
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// States returns the current state of every pair seen so far.
func (c *Controller) States() map[string]domain.PairState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]domain.PairState, len(c.states))
	for k, v := range c.states {
		out[k] = v
	}
	return out
}

// Tick runs one decision round. Pairs are processed independently; a failure
// on one pair never aborts the others.
func (c *Controller) Tick(ctx context.Context) TickReport {
	if ctx.Err() != nil {
		return TickReport{}
	}
	start := time.Now()

	c.mu.Lock()
	c.tick++
	tick := c.tick
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "controller.tick", trace.WithAttributes(
		attribute.Int64("controller.tick", int64(tick)),
	))
	defer span.End()

	report := TickReport{Tick: tick}
	if err := c.refreshPolicies(ctx); err != nil {
		report.PolicyErr = err
		c.logger.Warn("policy refresh failed, using last good set",
			"policy_version", c.deps.Cache.Version(),
			"error", err)
	}
	policies := c.deps.Cache.Policies()
	snap := c.deps.Model.Snapshot()
	pairs := c.deps.Pairs.Pairs()

	results := make([]pairOutcome, len(pairs))
	var wg sync.WaitGroup
	sem := make(chan struct{}, c.cfg.Concurrency)
	for i, pair := range pairs {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, pair domain.MonitoredPair) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = c.processPair(ctx, tick, snap, policies, pair)
		}(i, pair)
	}
	wg.Wait()

	for _, out := range results {
		report.Intents += out.intents
		rec := out.record
		rec.LastIntent = c.lastIntentFor(rec.Pair)
		if c.deps.Feed != nil {
			rec = c.deps.Feed.Publish(rec)
		}
		report.Records = append(report.Records, rec)
	}
	sort.Slice(report.Records, func(i, j int) bool { return report.Records[i].Pair < report.Records[j].Pair })

	span.SetAttributes(
		attribute.Int("controller.pairs", len(pairs)),
		attribute.Int("controller.intents", report.Intents),
	)
	telemetry.RecordTick(ctx, telemetry.TickMetrics{
		Pairs:    len(pairs),
		Intents:  report.Intents,
		Duration: time.Since(start),
		Stale:    report.PolicyErr != nil,
	})
	return report
}

func (c *Controller) refreshPolicies(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	return c.deps.Cache.RefreshIfStale(ctx, c.deps.Source, c.cfg.PolicyTTL)
}

type pairOutcome struct {
	record  domain.StatusRecord
	intents int
}

func (c *Controller) processPair(ctx context.Context, tick uint64, snap *topology.Snapshot, policies []domain.Policy, pair domain.MonitoredPair) (out pairOutcome) {
	key := pair.Key()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("pair processing panicked", "pair", key, "panic", r)
			out = pairOutcome{record: domain.StatusRecord{
				Pair:       key,
				State:      c.state(key),
				LastResult: fmt.Sprintf("error: %v", r),
				Timestamp:  c.now().UTC(),
			}}
		}
	}()

	sample, ok := snap.FreshSample(key)
	if !ok {
		return pairOutcome{record: domain.StatusRecord{
			Pair:       key,
			State:      c.state(key),
			LastResult: domain.ResultStale,
			Timestamp:  c.now().UTC(),
		}}
	}

	th := c.thresholds(ctx, policies, pair, sample)
	rec := domain.StatusRecord{
		Pair:      key,
		LatencyMs: sample.LatencyMs,
		Bandwidth: sample.BandwidthBps,
		Timestamp: c.now().UTC(),
	}

	var candidates []domain.IntentAction
	if sample.LatencyMs > th.LatencyMs {
		candidates = append(candidates, domain.IntentReroute)
	}
	if sample.BandwidthBps > th.BandwidthBps {
		candidates = append(candidates, domain.IntentQoS)
	}
	if len(candidates) == 0 {
		rec.State = c.setState(key, domain.StateNominal)
		rec.LastResult = domain.ResultOK
		return pairOutcome{record: rec}
	}

	prev := c.state(key)
	var (
		firstResult string
		emitted     *domain.FlowIntent
		allCooldown = true
	)
	for _, action := range candidates {
		intent, result := c.decide(ctx, tick, snap, policies, pair, sample, th, action)
		telemetry.RecordIntent(ctx, string(action), resultClass(result))
		if firstResult == "" {
			firstResult = result
		}
		if result != domain.ResultCooldown {
			allCooldown = false
		}
		if result == domain.ResultOK && intent != nil {
			emitted = intent
			out.intents++
		}
	}

	switch {
	case emitted != nil:
		rec.State = c.setState(key, domain.StateRemediating)
		c.rememberIntent(key, *emitted)
		rec.LastResult = domain.ResultOK
	case allCooldown && prev == domain.StateRemediating:
		rec.State = c.setState(key, domain.StateRemediating)
		rec.LastResult = domain.ResultCooldown
	default:
		rec.State = c.setState(key, domain.StateCongested)
		rec.LastResult = firstResult
	}
	out.record = rec
	return out
}

// thresholds resolves the effective limits for pair: the highest-priority
// enabled policy that matches and carries a thresholds action wins.
func (c *Controller) thresholds(ctx context.Context, policies []domain.Policy, pair domain.MonitoredPair, sample domain.MeasurementSample) Thresholds {
	th := Thresholds{
		LatencyMs:     c.cfg.LatencyThresholdMs,
		BandwidthBps:  c.cfg.CongestionThresholdBps,
		CooldownTicks: c.cfg.CooldownTicks,
	}

	ordered := make([]domain.Policy, len(policies))
	copy(ordered, policies)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	evalCtx := pairContext(pair, sample)
	for _, p := range ordered {
		action, ok := thresholdsAction(p)
		if !ok || !c.deps.Evaluator.EvaluatePolicy(ctx, p, evalCtx) {
			continue
		}
		res := c.deps.Evaluator.Execute(ctx, action, evalCtx)
		if !res.OK {
			c.logger.Warn("thresholds policy rejected", "policy_id", p.ID, "pair", pair.Key(), "error", res.Error)
			continue
		}
		params, _ := res.Output[policy.ActionThresholds].(map[string]any)
		th = th.override(params)
		th.PolicyID = p.ID
		break
	}
	return th
}

func thresholdsAction(p domain.Policy) (domain.Action, bool) {
	for _, a := range p.Actions {
		if canonical(a.Type) == policy.ActionThresholds {
			return a, true
		}
	}
	return domain.Action{}, false
}

func (c *Controller) state(key string) domain.PairState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[key]; ok {
		return s
	}
	return domain.StateNominal
}

func (c *Controller) setState(key string, state domain.PairState) domain.PairState {
	c.mu.Lock()
	prev, seen := c.states[key]
	c.states[key] = state
	c.mu.Unlock()

	if !seen || prev != state {
		c.logger.Debug("pair state changed", "pair", key, "from", string(prev), "to", string(state))
	}
	if c.stateObserver != nil {
		c.stateObserver(key, state)
	}
	return state
}

func (c *Controller) rememberIntent(key string, intent domain.FlowIntent) {
	c.mu.Lock()
	c.lastIntent[key] = intent.Clone()
	c.mu.Unlock()
}

func (c *Controller) lastIntentFor(key string) *domain.FlowIntent {
	c.mu.Lock()
	defer c.mu.Unlock()
	intent, ok := c.lastIntent[key]
	if !ok {
		return nil
	}
	out := intent.Clone()
	return &out
}

func (c *Controller) cooling(key string, tick uint64, cooldownTicks int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastEmit[key]
	return ok && tick-last < uint64(cooldownTicks)
}

func (c *Controller) markEmitted(key string, tick uint64) {
	c.mu.Lock()
	c.lastEmit[key] = tick
	c.mu.Unlock()
}
