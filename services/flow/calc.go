package flow

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"dataflow/api/pkg/arith"
)

const maxDerivedDepth = 8

// number coerces a value for arithmetic. Missing and non-numeric values count as 0.
func number(v any) float64 {
	f, _ := toFloat64(v)
	return f
}

// calculate computes the value of a calculate node. Formula failures are
// returned as an ExprError value, never as an error.
func calculate(state *ExecutionState, cfg *CalculateConfig) (any, error) {
	switch cfg.ExpressionType {
	case CalcAssign:
		if cfg.Assign == nil {
			return nil, malformed("assign calculation without source")
		}
		return state.resolveRef(*cfg.Assign), nil

	case CalcAddition:
		if cfg.Addition == nil {
			return nil, malformed("addition calculation without terms")
		}
		sum := cfg.Addition.Constant
		for _, t := range cfg.Addition.Terms {
			coef := 1.0
			if t.Coefficient != nil {
				coef = *t.Coefficient
			}
			sum += coef * number(state.resolveRef(t.VarRef))
		}
		return roundResult(sum), nil

	case CalcSubtraction:
		if cfg.Subtraction == nil {
			return nil, malformed("subtraction calculation without operands")
		}
		l := number(state.resolve(cfg.Subtraction.Left, nil))
		r := number(state.resolve(cfg.Subtraction.Right, nil))
		return roundResult(l - r), nil

	case CalcMultiplication:
		if cfg.Multiplication == nil || len(cfg.Multiplication.Factors) == 0 {
			return 0.0, nil
		}
		product := 1.0
		for _, f := range cfg.Multiplication.Factors {
			product *= number(state.resolveRef(f))
		}
		return roundResult(product), nil

	case CalcDivision:
		if cfg.Division == nil {
			return nil, malformed("division calculation without operands")
		}
		l := number(state.resolve(cfg.Division.Left, nil))
		r := number(state.resolve(cfg.Division.Right, nil))
		if r == 0 {
			return ExprError{Reason: "division by zero"}, nil
		}
		return roundResult(l / r), nil

	case CalcConcat:
		if cfg.Concat == nil {
			return "", nil
		}
		var b strings.Builder
		for _, seg := range cfg.Concat.Segments {
			if seg.Type == OperandVariable || seg.Type == OperandVarPath || (seg.Type == "" && seg.Variable != "") {
				b.WriteString(formatValue(state.resolveRef(seg.VarRef)))
				continue
			}
			b.WriteString(formatValue(seg.Value))
		}
		return b.String(), nil
	}

	switch {
	case cfg.Structured != nil:
		v, err := evalTree(state, *cfg.Structured)
		if err != nil {
			return ExprError{Reason: err.Error()}, nil
		}
		return roundResult(v), nil
	case cfg.Expression != "":
		record := state.resolveRef(cfg.Record)
		v, err := evalFormula(state, cfg.Expression, record, cfg.DerivedFields, 0)
		if err != nil {
			return ExprError{Reason: err.Error()}, nil
		}
		return roundResult(v), nil
	}
	return nil, malformed("unknown calculation type %q", cfg.ExpressionType)
}

var (
	bracketRef   = regexp.MustCompile(`\[([^\[\]]+)\]`)
	formulaChars = regexp.MustCompile(`^[0-9+\-*/^.()\s]*$`)

	errUnresolvedRef = errors.New("unresolved reference")
)

// evalFormula substitutes [field] references from the source record or the
// derived field list and {path} references from the environment, then
// evaluates the result with the restricted arithmetic grammar. Operands keep
// full precision; only the final result is rounded.
func evalFormula(state *ExecutionState, formula string, record any, derived []DerivedField, depth int) (float64, error) {
	if depth > maxDerivedDepth {
		return 0, fmt.Errorf("derived fields nested deeper than %d", maxDerivedDepth)
	}

	var subErr error
	fail := func(err error) string {
		if subErr == nil {
			subErr = err
		}
		return "0"
	}

	text := bracketRef.ReplaceAllStringFunc(formula, func(m string) string {
		name := strings.TrimSpace(m[1 : len(m)-1])
		for _, d := range derived {
			if d.Name == name {
				v, err := evalFormula(state, d.Formula, record, derived, depth+1)
				if err != nil {
					return fail(fmt.Errorf("derived field %q: %w", name, err))
				}
				return formulaOperand(v)
			}
		}
		f, ok := toFloat64(state.Env.Field(record, name))
		if !ok {
			return fail(fmt.Errorf("%w: [%s]", errUnresolvedRef, name))
		}
		return formulaOperand(f)
	})
	text = placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		ref := m[1 : len(m)-1]
		f, ok := toFloat64(state.Env.Resolve(ref))
		if !ok {
			return fail(fmt.Errorf("%w: {%s}", errUnresolvedRef, ref))
		}
		return formulaOperand(f)
	})
	if subErr != nil {
		return 0, subErr
	}

	if !formulaChars.MatchString(text) {
		return 0, fmt.Errorf("formula contains disallowed characters: %q", text)
	}
	return arith.Eval(text)
}

// formulaOperand renders a number as a parenthesized literal so signs bind
// before any surrounding operator.
func formulaOperand(f float64) string {
	return "(" + strconv.FormatFloat(f, 'f', -1, 64) + ")"
}

// evalTree evaluates a pre-parsed arithmetic tree.
func evalTree(state *ExecutionState, n ExprNode) (float64, error) {
	switch {
	case n.Value != nil:
		return *n.Value, nil
	case n.Variable != "":
		f, ok := toFloat64(state.Env.Resolve(n.Variable))
		if !ok {
			return 0, fmt.Errorf("%w: %s", errUnresolvedRef, n.Variable)
		}
		return f, nil
	}
	if len(n.Operands) == 0 {
		return 0, fmt.Errorf("operator %q without operands", n.Op)
	}

	acc, err := evalTree(state, n.Operands[0])
	if err != nil {
		return 0, err
	}
	if n.Op == "neg" {
		return -acc, nil
	}
	for _, operand := range n.Operands[1:] {
		v, err := evalTree(state, operand)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case "+":
			acc += v
		case "-":
			acc -= v
		case "*":
			acc *= v
		case "/":
			if v == 0 {
				return 0, arith.ErrDivisionByZero
			}
			acc /= v
		default:
			return 0, fmt.Errorf("unknown operator %q", n.Op)
		}
	}
	return acc, nil
}
