package flows

import (
	"context"
	"fmt"
	"time"

	"github.com/polisai/netopt/pkg/domain"
)

// ParamIntent is the action parameter carrying the FlowIntent to realize.
const ParamIntent = "intent"

// Handler adapts a Manager to the evaluator's sdn action type.
type Handler struct {
	manager *Manager
}

// NewHandler wraps manager as a policy action handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// Handle installs or refreshes the intent carried in the action parameters.
func (h *Handler) Handle(ctx context.Context, action domain.Action, _ domain.EvalContext) (map[string]any, error) {
	var intent domain.FlowIntent
	switch v := action.Parameters[ParamIntent].(type) {
	case domain.FlowIntent:
		intent = v
	case *domain.FlowIntent:
		if v == nil {
			return nil, fmt.Errorf("%w: nil intent", domain.ErrActionFailed)
		}
		intent = *v
	default:
		return nil, fmt.Errorf("%w: sdn action requires an intent parameter, got %T", domain.ErrActionFailed, v)
	}

	flow, err := h.manager.InstallOrRefresh(ctx, intent)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"flow_key":   flow.Key,
		"device_id":  flow.DeviceID,
		"rule_id":    flow.RuleID,
		"expires_at": flow.ExpiresAt.Format(time.RFC3339Nano),
		"refreshes":  flow.Refreshes,
	}, nil
}
