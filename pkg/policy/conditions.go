package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/polisai/netopt/pkg/domain"
)

var (
	// ErrMissingField indicates the condition references a field absent from the context.
	ErrMissingField = errors.New("field not present in context")
	// ErrTypeMismatch indicates the operator cannot be applied to the operand types.
	ErrTypeMismatch = errors.New("type mismatch")
)

// EvaluateCondition reports whether cond holds under evalCtx. Errors describe
// why a condition could not be evaluated; callers treat them as false.
// Numbers compare across Go numeric types, but a string never matches a
// number: {latency_ms gt "50"} is a type mismatch.
func EvaluateCondition(cond domain.Condition, evalCtx domain.EvalContext) (bool, error) {
	actual, ok := lookup(evalCtx, cond.Field)
	if !ok {
		return false, fmt.Errorf("%w: %w: %s", domain.ErrEvaluation, ErrMissingField, cond.Field)
	}

	var (
		matched bool
		err     error
	)
	switch cond.Operator {
	case domain.OpEq:
		matched, err = equals(actual, cond.Value)
	case domain.OpNe:
		matched, err = equals(actual, cond.Value)
		matched = !matched
	case domain.OpGt, domain.OpLt, domain.OpGe, domain.OpLe:
		matched, err = compare(actual, cond.Value, cond.Operator)
	case domain.OpIn:
		matched, err = memberOf(actual, cond.Value)
	case domain.OpContains:
		matched, err = contains(actual, cond.Value)
	case domain.OpStartsWith:
		matched, err = affix(actual, cond.Value, strings.HasPrefix)
	case domain.OpEndsWith:
		matched, err = affix(actual, cond.Value, strings.HasSuffix)
	default:
		// Unknown operators never match.
		return false, fmt.Errorf("%w: unsupported operator %q", domain.ErrEvaluation, cond.Operator)
	}
	if err != nil {
		return false, fmt.Errorf("%w: %s %s: %w", domain.ErrEvaluation, cond.Field, cond.Operator, err)
	}
	return matched, nil
}

// lookup resolves a field name, falling back to dotted traversal of nested maps.
func lookup(evalCtx domain.EvalContext, field string) (any, bool) {
	if evalCtx == nil {
		return nil, false
	}
	if v, ok := evalCtx[field]; ok {
		return v, true
	}
	if !strings.Contains(field, ".") {
		return nil, false
	}

	var current any = map[string]any(evalCtx)
	for _, part := range strings.Split(field, ".") {
		switch m := current.(type) {
		case map[string]any:
			next, ok := m[part]
			if !ok {
				return nil, false
			}
			current = next
		case domain.EvalContext:
			next, ok := m[part]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := m[part]
			if !ok {
				return nil, false
			}
			current = next
		default:
			return nil, false
		}
	}
	return current, true
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		// no-op
	}
	return 0, false
}

func equals(left, right any) (bool, error) {
	if left == nil || right == nil {
		return left == right, nil
	}

	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf, nil
		}
	}

	switch l := left.(type) {
	case string:
		if r, ok := right.(string); ok {
			return l == r, nil
		}
	case bool:
		if r, ok := right.(bool); ok {
			return l == r, nil
		}
	}

	return false, fmt.Errorf("%w: cannot compare %T and %T", ErrTypeMismatch, left, right)
}

func compare(left, right any, op domain.Operator) (bool, error) {
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			switch op {
			case domain.OpGt:
				return lf > rf, nil
			case domain.OpGe:
				return lf >= rf, nil
			case domain.OpLt:
				return lf < rf, nil
			case domain.OpLe:
				return lf <= rf, nil
			}
		}
	}

	ls, leftIsString := left.(string)
	rs, rightIsString := right.(string)
	if leftIsString && rightIsString {
		switch op {
		case domain.OpGt:
			return ls > rs, nil
		case domain.OpGe:
			return ls >= rs, nil
		case domain.OpLt:
			return ls < rs, nil
		case domain.OpLe:
			return ls <= rs, nil
		}
	}

	return false, fmt.Errorf("%w: cannot apply %s to %T and %T", ErrTypeMismatch, op, left, right)
}

func memberOf(actual, list any) (bool, error) {
	items, ok := asList(list)
	if !ok {
		return false, fmt.Errorf("%w: in expects a list, got %T", ErrTypeMismatch, list)
	}
	for _, item := range items {
		if eq, err := equals(actual, item); err == nil && eq {
			return true, nil
		}
	}
	return false, nil
}

func contains(actual, needle any) (bool, error) {
	if s, ok := actual.(string); ok {
		n, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("%w: contains on string expects string, got %T", ErrTypeMismatch, needle)
		}
		return strings.Contains(s, n), nil
	}
	if items, ok := asList(actual); ok {
		return memberOf(needle, items)
	}
	return false, fmt.Errorf("%w: contains expects string or list, got %T", ErrTypeMismatch, actual)
}

func affix(actual, value any, fn func(string, string) bool) (bool, error) {
	s, ok := actual.(string)
	if !ok {
		return false, fmt.Errorf("%w: expected string, got %T", ErrTypeMismatch, actual)
	}
	v, ok := value.(string)
	if !ok {
		return false, fmt.Errorf("%w: expected string operand, got %T", ErrTypeMismatch, value)
	}
	return fn(s, v), nil
}

func asList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, true
	default:
		return nil, false
	}
}
