package flow

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"github.com/expr-lang/expr"
)

// BranchExecutor handles the "binaryBranch" node type.
type BranchExecutor struct{}

func (e *BranchExecutor) Execute(_ context.Context, ins *Instruction, state *ExecutionState) (*StepResult, error) {
	cfg := ins.Spec.(*BranchConfig)

	var (
		result bool
		out    = map[string]any{}
	)
	if cfg.Expression != "" {
		result = evalBoolExpression(ins.ID, cfg.Expression, state.Env)
		out["expression"] = cfg.Expression
	} else {
		left := state.resolveRef(cfg.Left)
		right := state.resolve(cfg.Right, nil)
		result = compare(left, cfg.Operator, right)
		out["left"] = exported(left)
		out["operator"] = cfg.Operator
		out["right"] = exported(right)
	}
	out["result"] = result

	var next string
	if result {
		next = cfg.TrueTarget
		if next == "" {
			next = state.branchTarget(ins, "true", "")
		}
	} else {
		next = cfg.FalseTarget
		if next == "" {
			next = state.branchTarget(ins, "false")
		}
	}
	return &StepResult{Next: next, Output: out}, nil
}

// evalBoolExpression evaluates a raw boolean expression against the current
// variables. Reserved variables are visible without their "$" prefix
// (INPUT, PARAMS, INPUT_FORM_ID). Compile or runtime failures count as false.
func evalBoolExpression(nodeID, src string, env *Env) bool {
	vars := exprVars(env.Snapshot())
	program, err := expr.Compile(src, expr.Env(vars), expr.AllowUndefinedVariables())
	if err != nil {
		slog.Warn("Branch expression rejected", "nodeId", nodeID, "expression", src, "error", err)
		return false
	}
	v, err := expr.Run(program, vars)
	if err != nil {
		slog.Warn("Branch expression failed", "nodeId", nodeID, "expression", src, "error", err)
		return false
	}
	return truthy(v)
}

// exprVars adds identifier-safe aliases for reserved "$" variables unless a
// user variable already has that name.
func exprVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	for k, v := range vars {
		alias, ok := strings.CutPrefix(k, "$")
		if !ok {
			continue
		}
		if _, taken := vars[alias]; !taken {
			out[alias] = v
		}
	}
	return out
}

// exported replaces the Undefined marker with nil for step output.
func exported(v any) any {
	if IsUndefined(v) {
		return nil
	}
	return v
}

// CalculateExecutor handles the "calculate" node type.
type CalculateExecutor struct{}

func (e *CalculateExecutor) Execute(_ context.Context, ins *Instruction, state *ExecutionState) (*StepResult, error) {
	cfg := ins.Spec.(*CalculateConfig)
	v, err := calculate(state, cfg)
	if err != nil {
		return nil, err
	}
	if xe, ok := v.(ExprError); ok {
		slog.Warn("Calculation produced an error value", "nodeId", ins.ID, "reason", xe.Reason)
	}
	state.Env.Set(cfg.OutputVariable, v)

	res := state.next(ins)
	res.Output = map[string]any{"variable": cfg.OutputVariable, "value": exported(v)}
	return res, nil
}

// AggregateExecutor handles the "aggregate" node type. On an empty source,
// count and sum yield 0 while avg, max and min yield nil.
type AggregateExecutor struct{}

func (e *AggregateExecutor) Execute(_ context.Context, ins *Instruction, state *ExecutionState) (*StepResult, error) {
	cfg := ins.Spec.(*AggregateConfig)

	src := state.resolveRef(cfg.Source)
	items, ok := src.([]any)
	if !ok && !IsUndefined(src) && src != nil {
		slog.Warn("Aggregate source is not an array", "nodeId", ins.ID, "source", cfg.Source.Variable)
	}

	var result any
	if cfg.Method == AggCount {
		result = float64(len(items))
	} else {
		nums := make([]float64, 0, len(items))
		for _, item := range items {
			v := item
			if cfg.Field != "" {
				v = state.Env.Field(item, cfg.Field)
			}
			if f, ok := toFloat64(v); ok {
				nums = append(nums, f)
			}
		}
		result = reduce(cfg.Method, nums)
		if result == nil {
			slog.Debug("Aggregate over no data", "nodeId", ins.ID, "method", cfg.Method)
		}
	}

	state.Env.Set(cfg.OutputVariable, result)

	res := state.next(ins)
	res.Output = map[string]any{"variable": cfg.OutputVariable, "value": result}
	return res, nil
}

func reduce(method string, nums []float64) any {
	if method == AggSum {
		sum := 0.0
		for _, n := range nums {
			sum += n
		}
		return roundResult(sum)
	}
	if len(nums) == 0 {
		return nil
	}
	switch method {
	case AggAvg:
		sum := 0.0
		for _, n := range nums {
			sum += n
		}
		return roundResult(sum / float64(len(nums)))
	case AggMax:
		m := math.Inf(-1)
		for _, n := range nums {
			m = math.Max(m, n)
		}
		return m
	case AggMin:
		m := math.Inf(1)
		for _, n := range nums {
			m = math.Min(m, n)
		}
		return m
	default:
		return nil
	}
}
