package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrEvaluation        = errors.New("condition evaluation failed")
	ErrActionFailed      = errors.New("action failed")
	ErrUnknownActionType = errors.New("no handler registered for action type")
	ErrProbeFailed       = errors.New("measurement unavailable")
	ErrNoPath            = errors.New("no path between endpoints")
	ErrInstaller         = errors.New("flow installer error")
	ErrPolicyDenied      = errors.New("denied by policy")
	ErrStoreUnavailable  = errors.New("policy store unavailable")
)

// ConfigError reports a malformed policy or configuration value. It wraps
// ErrConfigInvalid so callers can match with errors.Is.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfigInvalid
}

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// ErrorResponse defines the standard JSON error model returned by the admin API.
// TraceID should carry the current OpenTelemetry trace identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., POLICY_NOT_FOUND)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
