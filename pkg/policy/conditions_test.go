package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/netopt/pkg/domain"
)

func TestEvaluateConditionLatencyThreshold(t *testing.T) {
	cond := domain.Condition{Field: "latency_ms", Operator: domain.OpGt, Value: 50}

	ok, err := EvaluateCondition(cond, domain.EvalContext{"latency_ms": 75})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateCondition(cond, domain.EvalContext{"latency_ms": 30})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateConditionOperators(t *testing.T) {
	evalCtx := domain.EvalContext{
		"latency_ms": 42.5,
		"src_ip":     "10.0.0.1",
		"component":  "aggregator",
		"tags":       []any{"fl", "gold"},
		"encrypted":  true,
		"meta":       map[string]any{"site": "eu-west"},
	}

	tests := []struct {
		name string
		cond domain.Condition
		want bool
	}{
		{"eq number", domain.Condition{Field: "latency_ms", Operator: domain.OpEq, Value: 42.5}, true},
		{"ne string", domain.Condition{Field: "component", Operator: domain.OpNe, Value: "trainer"}, true},
		{"eq bool", domain.Condition{Field: "encrypted", Operator: domain.OpEq, Value: true}, true},
		{"ge boundary", domain.Condition{Field: "latency_ms", Operator: domain.OpGe, Value: 42.5}, true},
		{"le below", domain.Condition{Field: "latency_ms", Operator: domain.OpLe, Value: 10}, false},
		{"lt", domain.Condition{Field: "latency_ms", Operator: domain.OpLt, Value: 50}, true},
		{"in list", domain.Condition{Field: "component", Operator: domain.OpIn, Value: []any{"trainer", "aggregator"}}, true},
		{"in string list", domain.Condition{Field: "component", Operator: domain.OpIn, Value: []string{"trainer"}}, false},
		{"contains substring", domain.Condition{Field: "src_ip", Operator: domain.OpContains, Value: "0.0"}, true},
		{"contains list", domain.Condition{Field: "tags", Operator: domain.OpContains, Value: "gold"}, true},
		{"startswith", domain.Condition{Field: "src_ip", Operator: domain.OpStartsWith, Value: "10."}, true},
		{"endswith", domain.Condition{Field: "component", Operator: domain.OpEndsWith, Value: "tor"}, true},
		{"dotted path", domain.Condition{Field: "meta.site", Operator: domain.OpEq, Value: "eu-west"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateCondition(tt.cond, evalCtx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateConditionNeverMatchesOnError(t *testing.T) {
	evalCtx := domain.EvalContext{"latency_ms": 80, "component": "trainer"}

	tests := []struct {
		name string
		cond domain.Condition
	}{
		{"missing field", domain.Condition{Field: "bandwidth_bps", Operator: domain.OpGt, Value: 1}},
		{"unknown operator", domain.Condition{Field: "latency_ms", Operator: domain.Operator("~="), Value: 1}},
		{"incompatible comparison", domain.Condition{Field: "component", Operator: domain.OpGt, Value: 3}},
		{"in without list", domain.Condition{Field: "component", Operator: domain.OpIn, Value: "trainer"}},
		{"startswith on number", domain.Condition{Field: "latency_ms", Operator: domain.OpStartsWith, Value: "8"}},
		{"ne on mismatched types", domain.Condition{Field: "component", Operator: domain.OpNe, Value: true}},
		{"eq numeric string", domain.Condition{Field: "latency_ms", Operator: domain.OpEq, Value: "80"}},
		{"gt numeric string", domain.Condition{Field: "latency_ms", Operator: domain.OpGt, Value: "50"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				got bool
				err error
			)
			require.NotPanics(t, func() {
				got, err = EvaluateCondition(tt.cond, evalCtx)
			})
			assert.False(t, got)
			assert.ErrorIs(t, err, domain.ErrEvaluation)
		})
	}
}

func TestParseOperatorAliases(t *testing.T) {
	for raw, want := range map[string]domain.Operator{
		"==": domain.OpEq, "!=": domain.OpNe, ">": domain.OpGt, "<": domain.OpLt,
		">=": domain.OpGe, "<=": domain.OpLe, "IN": domain.OpIn, " startswith ": domain.OpStartsWith,
	} {
		got, err := domain.ParseOperator(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := domain.ParseOperator("regex")
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}
