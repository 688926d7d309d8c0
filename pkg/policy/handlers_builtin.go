package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/polisai/netopt/pkg/domain"
)

// Built-in action types.
const (
	ActionLog        = "log"
	ActionDeny       = "deny"
	ActionAnnotate   = "annotate"
	ActionThresholds = "thresholds"
	ActionRego       = "rego"
	ActionSDN        = "sdn"
)

// Output keys shared between handlers and verdict summarization.
const (
	outputVerdict     = "verdict"
	outputReason      = "reason"
	outputAnnotations = "annotations"

	verdictDeny     = "deny"
	verdictAllow    = "allow"
	verdictAnnotate = "annotate"
)

func (e *Evaluator) registerDefaultHandlers() {
	e.handlers.register(ActionLog, &logHandler{logger: e.logger}, "audit")
	e.handlers.register(ActionDeny, ActionHandlerFunc(denyAction), "veto", "block")
	e.handlers.register(ActionAnnotate, ActionHandlerFunc(annotateAction), "augment")
	e.handlers.register(ActionThresholds, ActionHandlerFunc(thresholdsAction))
}

// logHandler emits a structured log line describing the evaluation.
type logHandler struct {
	logger *slog.Logger
}

func (h *logHandler) Handle(ctx context.Context, action domain.Action, evalCtx domain.EvalContext) (map[string]any, error) {
	message := stringParam(action.Parameters, "message", "policy matched")
	level := slog.LevelInfo
	switch strings.ToLower(stringParam(action.Parameters, "level", "")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	attrs := make([]any, 0, 2*len(evalCtx)+2)
	if action.Target != "" {
		attrs = append(attrs, "target", action.Target)
	}
	for k, v := range evalCtx {
		attrs = append(attrs, k, v)
	}
	h.logger.Log(ctx, level, message, attrs...)
	return map[string]any{"logged": true}, nil
}

func denyAction(_ context.Context, action domain.Action, _ domain.EvalContext) (map[string]any, error) {
	return map[string]any{
		outputVerdict: verdictDeny,
		outputReason:  stringParam(action.Parameters, "reason", "denied by policy"),
	}, nil
}

func annotateAction(_ context.Context, action domain.Action, _ domain.EvalContext) (map[string]any, error) {
	return map[string]any{
		outputVerdict:     verdictAnnotate,
		outputAnnotations: domain.CloneAnyMap(action.Parameters),
	}, nil
}

func thresholdsAction(_ context.Context, action domain.Action, _ domain.EvalContext) (map[string]any, error) {
	for key, value := range action.Parameters {
		switch key {
		case "latency_ms", "bandwidth_bps", "cooldown_ticks":
			if _, ok := toFloat(value); !ok {
				return nil, fmt.Errorf("%w: thresholds parameter %s is not numeric", domain.ErrActionFailed, key)
			}
		}
	}
	return map[string]any{ActionThresholds: domain.CloneAnyMap(action.Parameters)}, nil
}

func stringParam(params map[string]any, key, fallback string) string {
	raw, ok := params[key]
	if !ok || raw == nil {
		return fallback
	}
	s := strings.TrimSpace(fmt.Sprint(raw))
	if s == "" {
		return fallback
	}
	return s
}
