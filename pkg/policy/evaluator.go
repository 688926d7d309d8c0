package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/netopt/pkg/domain"
)

// PolicyOutcome pairs a policy with the results of its actions.
type PolicyOutcome struct {
	Policy  domain.Policy
	Results []domain.ActionResult
}

// Evaluator matches policies against an EvalContext and runs their actions.
// It is safe for concurrent use.
type Evaluator struct {
	logger   *slog.Logger
	handlers *handlerRegistry
	observer func(domain.Policy)
	tracer   trace.Tracer
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the evaluator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEvaluationObserver registers a callback invoked for every enabled
// policy in the order ApplyPolicies visits them.
func WithEvaluationObserver(fn func(domain.Policy)) Option {
	return func(e *Evaluator) {
		e.observer = fn
	}
}

// NewEvaluator creates an evaluator with the built-in log, deny, annotate and
// thresholds handlers registered.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		logger:   slog.Default(),
		handlers: newHandlerRegistry(),
		tracer:   otel.Tracer("github.com/polisai/netopt/pkg/policy"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registerDefaultHandlers()
	return e
}

// RegisterActionHandler adds or replaces the handler for an action type.
func (e *Evaluator) RegisterActionHandler(actionType string, handler ActionHandler, aliases ...string) {
	e.handlers.register(actionType, handler, aliases...)
}

// HandlerTypes lists the registered action types.
func (e *Evaluator) HandlerTypes() []string {
	types := e.handlers.types()
	sort.Strings(types)
	return types
}

// EvaluatePolicy reports whether every condition of an enabled policy holds.
// A policy without conditions always applies.
func (e *Evaluator) EvaluatePolicy(_ context.Context, p domain.Policy, evalCtx domain.EvalContext) bool {
	if !p.Enabled {
		return false
	}
	for _, cond := range p.Conditions {
		ok, err := EvaluateCondition(cond, evalCtx)
		if err != nil {
			e.logger.Debug("condition evaluation failed",
				"policy_id", p.ID,
				"field", cond.Field,
				"operator", string(cond.Operator),
				"error", err,
			)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// ApplyPolicy runs the policy actions in declared order and stops at the
// first failure. The returned slice includes the failed result.
func (e *Evaluator) ApplyPolicy(ctx context.Context, p domain.Policy, evalCtx domain.EvalContext) []domain.ActionResult {
	results := make([]domain.ActionResult, 0, len(p.Actions))
	for _, action := range p.Actions {
		res := e.Execute(ctx, action, evalCtx)
		res.PolicyID = p.ID
		results = append(results, res)
		if !res.OK {
			e.logger.Warn("policy action failed",
				"policy_id", p.ID,
				"action_type", action.Type,
				"error", res.Error,
			)
			break
		}
	}
	return results
}

// ApplyPolicies evaluates policies in priority order and returns the results
// of every policy that produced at least one successful action.
func (e *Evaluator) ApplyPolicies(ctx context.Context, policies []domain.Policy, evalCtx domain.EvalContext) map[string][]domain.ActionResult {
	ordered := e.ApplyPoliciesOrdered(ctx, policies, evalCtx)
	out := make(map[string][]domain.ActionResult, len(ordered))
	for _, outcome := range ordered {
		out[outcome.Policy.ID] = outcome.Results
	}
	return out
}

// ApplyPoliciesOrdered is ApplyPolicies preserving the evaluation sequence.
func (e *Evaluator) ApplyPoliciesOrdered(ctx context.Context, policies []domain.Policy, evalCtx domain.EvalContext) []PolicyOutcome {
	ctx, span := e.tracer.Start(ctx, "policy.apply", trace.WithAttributes(
		attribute.Int("policy.count", len(policies)),
	))
	defer span.End()

	ordered := make([]domain.Policy, len(policies))
	copy(ordered, policies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	var outcomes []PolicyOutcome
	for _, p := range ordered {
		if !p.Enabled {
			continue
		}
		if e.observer != nil {
			e.observer(p)
		}
		if !e.EvaluatePolicy(ctx, p, evalCtx) {
			continue
		}
		results := e.ApplyPolicy(ctx, p, evalCtx)
		if !anySucceeded(results) {
			continue
		}
		outcomes = append(outcomes, PolicyOutcome{Policy: p, Results: results})
	}
	span.SetAttributes(attribute.Int("policy.applied", len(outcomes)))
	return outcomes
}

// Execute runs a single action through the handler registry. Unknown types
// and handler panics produce a failed result.
func (e *Evaluator) Execute(ctx context.Context, action domain.Action, evalCtx domain.EvalContext) (result domain.ActionResult) {
	result = domain.ActionResult{Type: action.Type, Target: action.Target}

	handler, _, ok := e.handlers.resolve(action.Type)
	if !ok {
		result.Error = fmt.Errorf("%w: %q", domain.ErrUnknownActionType, action.Type).Error()
		return result
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("action handler panicked", "action_type", action.Type, "panic", r)
			result.OK = false
			result.Output = nil
			result.Error = fmt.Sprintf("%v: handler panic: %v", domain.ErrActionFailed, r)
		}
	}()

	output, err := handler.Handle(ctx, action, evalCtx)
	if err != nil {
		result.Error = err.Error()
		result.Output = output
		return result
	}
	result.OK = true
	result.Output = output
	return result
}

func anySucceeded(results []domain.ActionResult) bool {
	for _, r := range results {
		if r.OK {
			return true
		}
	}
	return false
}
