package domain

import (
	"fmt"
	"strings"
	"time"
)

// Policy is a named, prioritized traffic-engineering rule. Higher priorities
// are evaluated first; equal priorities keep insertion order.
type Policy struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Domain      string      `json:"domain" yaml:"domain"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions  []Condition `json:"conditions" yaml:"conditions"`
	Actions     []Action    `json:"actions" yaml:"actions"`
	Priority    int         `json:"priority" yaml:"priority"`
	Enabled     bool        `json:"enabled" yaml:"enabled"`
	Tags        []string    `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedAt   time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time   `json:"updated_at" yaml:"-"`
	// Seq is the store-assigned insertion sequence used to break priority ties.
	Seq int64 `json:"seq" yaml:"-"`
}

// Condition is a single predicate over a named context field.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// Action is a typed side effect dispatched to a registered handler.
type Action struct {
	Type       string         `json:"type" yaml:"type"`
	Target     string         `json:"target,omitempty" yaml:"target,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// ActionResult is the outcome of a single action execution.
type ActionResult struct {
	PolicyID string         `json:"policy_id,omitempty"`
	Type     string         `json:"type"`
	Target   string         `json:"target,omitempty"`
	OK       bool           `json:"ok"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// EvalContext holds the runtime facts a policy is evaluated against. It is
// built per evaluation and never persisted.
type EvalContext map[string]any

// PolicyPatch carries a partial update. Nil fields are left untouched.
type PolicyPatch struct {
	Name        *string      `json:"name,omitempty"`
	Domain      *string      `json:"domain,omitempty"`
	Description *string      `json:"description,omitempty"`
	Conditions  *[]Condition `json:"conditions,omitempty"`
	Actions     *[]Action    `json:"actions,omitempty"`
	Priority    *int         `json:"priority,omitempty"`
	Enabled     *bool        `json:"enabled,omitempty"`
	Tags        *[]string    `json:"tags,omitempty"`
}

// Apply writes the non-nil patch fields onto p.
func (pp PolicyPatch) Apply(p *Policy) {
	if pp.Name != nil {
		p.Name = *pp.Name
	}
	if pp.Domain != nil {
		p.Domain = *pp.Domain
	}
	if pp.Description != nil {
		p.Description = *pp.Description
	}
	if pp.Conditions != nil {
		p.Conditions = cloneConditions(*pp.Conditions)
	}
	if pp.Actions != nil {
		p.Actions = cloneActions(*pp.Actions)
	}
	if pp.Priority != nil {
		p.Priority = *pp.Priority
	}
	if pp.Enabled != nil {
		p.Enabled = *pp.Enabled
	}
	if pp.Tags != nil {
		p.Tags = append([]string(nil), (*pp.Tags)...)
	}
}

// Validate rejects policies the evaluator could never run.
func (p *Policy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return &ConfigError{Field: "name", Reason: "must not be empty"}
	}
	for i, c := range p.Conditions {
		if strings.TrimSpace(c.Field) == "" {
			return &ConfigError{Field: fmt.Sprintf("conditions[%d].field", i), Reason: "must not be empty"}
		}
		if !c.Operator.Valid() {
			return &ConfigError{Field: fmt.Sprintf("conditions[%d].operator", i), Reason: fmt.Sprintf("unsupported operator %q", c.Operator)}
		}
		if c.Operator == OpIn {
			if _, ok := c.Value.([]any); !ok {
				if _, ok := c.Value.([]string); !ok {
					return &ConfigError{Field: fmt.Sprintf("conditions[%d].value", i), Reason: "operator in requires a list"}
				}
			}
		}
	}
	for i, a := range p.Actions {
		if strings.TrimSpace(a.Type) == "" {
			return &ConfigError{Field: fmt.Sprintf("actions[%d].type", i), Reason: "must not be empty"}
		}
	}
	return nil
}

// HasTag reports whether the policy carries tag.
func (p *Policy) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the policy to avoid shared mutable state.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Conditions = cloneConditions(p.Conditions)
	clone.Actions = cloneActions(p.Actions)
	if p.Tags != nil {
		clone.Tags = append([]string(nil), p.Tags...)
	}
	return &clone
}

func cloneConditions(in []Condition) []Condition {
	if in == nil {
		return nil
	}
	out := make([]Condition, len(in))
	for i, c := range in {
		out[i] = Condition{Field: c.Field, Operator: c.Operator, Value: CloneValue(c.Value)}
	}
	return out
}

func cloneActions(in []Action) []Action {
	if in == nil {
		return nil
	}
	out := make([]Action, len(in))
	for i, a := range in {
		out[i] = Action{Type: a.Type, Target: a.Target, Parameters: CloneAnyMap(a.Parameters)}
	}
	return out
}

// CloneAnyMap deep-copies a JSON-shaped map.
func CloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies JSON-shaped values (maps, slices, scalars).
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneAnyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}

func cloneStringMap(input map[string]string) map[string]string {
	if input == nil {
		return nil
	}
	clone := make(map[string]string, len(input))
	for k, v := range input {
		clone[k] = v
	}
	return clone
}
