package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Operator is the closed set of comparison kinds a Condition may use.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpGt         Operator = "gt"
	OpLt         Operator = "lt"
	OpGe         Operator = "ge"
	OpLe         Operator = "le"
	OpIn         Operator = "in"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startswith"
	OpEndsWith   Operator = "endswith"
)

var operatorAliases = map[string]Operator{
	"==": OpEq,
	"!=": OpNe,
	">":  OpGt,
	"<":  OpLt,
	">=": OpGe,
	"<=": OpLe,
}

// ParseOperator normalizes an operator name. Symbolic aliases used by older
// policy documents are accepted.
func ParseOperator(s string) (Operator, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if op, ok := operatorAliases[key]; ok {
		return op, nil
	}
	op := Operator(key)
	if !op.Valid() {
		return "", &ConfigError{Field: "operator", Reason: fmt.Sprintf("unsupported operator %q", s)}
	}
	return op, nil
}

// Valid reports whether op is one of the known comparison kinds.
func (op Operator) Valid() bool {
	switch op {
	case OpEq, OpNe, OpGt, OpLt, OpGe, OpLe, OpIn, OpContains, OpStartsWith, OpEndsWith:
		return true
	default:
		return false
	}
}

// UnmarshalJSON accepts both canonical names and symbolic aliases. Unknown
// names are kept verbatim so validation can report them.
func (op *Operator) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	op.set(raw)
	return nil
}

// UnmarshalYAML mirrors UnmarshalJSON for policy seed files.
func (op *Operator) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	op.set(raw)
	return nil
}

func (op *Operator) set(raw string) {
	if parsed, err := ParseOperator(raw); err == nil {
		*op = parsed
		return
	}
	*op = Operator(raw)
}
