package sla

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// PenaltyPolicy maps a violation set to a penalty in minor units. The
// fixed-unit formula is a documented placeholder, so the policy is
// pluggable rather than baked into the evaluator.
type PenaltyPolicy interface {
	Penalty(violations []string, conditions Conditions) int64
}

// DefaultPenaltyUnit is the flat per-violation charge of the default
// policy, in minor units.
const DefaultPenaltyUnit int64 = 500

// FixedUnitPolicy charges Unit per violation.
type FixedUnitPolicy struct {
	Unit int64
}

// NewFixedUnitPolicy returns the default flat policy. unit <= 0 falls back
// to DefaultPenaltyUnit.
func NewFixedUnitPolicy(unit int64) FixedUnitPolicy {
	if unit <= 0 {
		unit = DefaultPenaltyUnit
	}
	return FixedUnitPolicy{Unit: unit}
}

func (p FixedUnitPolicy) Penalty(violations []string, _ Conditions) int64 {
	return int64(len(violations)) * p.Unit
}

// CELPolicy evaluates a CEL expression over the violation set. The
// expression sees `violations` (list of strings) and must produce an int
// penalty in minor units, e.g.
//
//	size(violations) * 500
//	violations.exists(v, v.contains("temperature")) ? 2000 : size(violations) * 250
type CELPolicy struct {
	program cel.Program
	expr    string
}

// NewCELPolicy compiles a penalty expression. Compilation errors surface
// at construction so a bad policy never reaches settlement.
func NewCELPolicy(expr string) (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("violations", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("sla: create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("sla: compile penalty expression: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("sla: build penalty program: %w", err)
	}
	return &CELPolicy{program: prg, expr: expr}, nil
}

// Penalty runs the compiled expression. Evaluation failures fall back to
// the fixed-unit default rather than zeroing the penalty (fail-closed for
// the payer would be fail-open for the payee).
func (p *CELPolicy) Penalty(violations []string, conditions Conditions) int64 {
	out, _, err := p.program.Eval(map[string]any{
		"violations": violations,
	})
	if err != nil {
		return NewFixedUnitPolicy(0).Penalty(violations, conditions)
	}
	if v, ok := out.Value().(int64); ok && v >= 0 {
		return v
	}
	return NewFixedUnitPolicy(0).Penalty(violations, conditions)
}

// Expr returns the source expression, for status endpoints and logs.
func (p *CELPolicy) Expr() string {
	return p.expr
}
