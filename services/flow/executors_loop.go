package flow

import (
	"context"
	"log/slog"
)

// LoopStartExecutor handles the "loopStart" node type. It is entered once from
// the flow and then again from its paired loopEnd after every iteration.
type LoopStartExecutor struct{}

func (e *LoopStartExecutor) Execute(_ context.Context, ins *Instruction, state *ExecutionState) (*StepResult, error) {
	cfg := ins.Spec.(*LoopStartConfig)
	loops := state.Loops

	body := state.branchTarget(ins, "body", "loop", "")
	if body == "" {
		body = state.prog.next(ins.Index)
	}
	exit := state.prog.next(ins.loopEnd)

	lc, active := loops.Get(ins.Index)
	if !active {
		switch cfg.LoopType {
		case LoopForEach:
			items, _ := state.resolveRef(cfg.Source).([]any)
			if len(items) == 0 {
				slog.Debug("Skipping loop over empty source", "nodeId", ins.ID, "source", cfg.Source.Variable)
				return &StepResult{Next: exit, Output: map[string]any{"skipped": true}}, nil
			}
			lc = &LoopContext{Kind: LoopForEach, Total: len(items), items: items}
			loops.Open(ins.Index, lc)
			setLoopItem(state, cfg, lc)
			return &StepResult{Next: body, Output: map[string]any{"iteration": 0, "total": lc.Total}}, nil
		default:
			if !loopCondition(state, cfg) {
				return &StepResult{Next: exit, Output: map[string]any{"skipped": true}}, nil
			}
			lc = &LoopContext{Kind: LoopWhile}
			loops.Open(ins.Index, lc)
			setLoopCounter(state, cfg, lc)
			return &StepResult{Next: body, Output: map[string]any{"iteration": 0}}, nil
		}
	}

	switch lc.Kind {
	case LoopForEach:
		lc.Index++
		if lc.Index >= lc.Total {
			loops.Close(ins.Index)
			return &StepResult{Next: exit, Output: map[string]any{"done": true, "iterations": lc.Total}}, nil
		}
		setLoopItem(state, cfg, lc)
		return &StepResult{Next: body, Output: map[string]any{"iteration": lc.Index, "total": lc.Total}}, nil
	default:
		lc.Count++
		if lc.Count >= cfg.MaxCount {
			slog.Warn("While loop reached its iteration cap", "nodeId", ins.ID, "maxCount", cfg.MaxCount)
			loops.Close(ins.Index)
			return &StepResult{Next: exit, Output: map[string]any{"done": true, "iterations": lc.Count, "capped": true}}, nil
		}
		if !loopCondition(state, cfg) {
			loops.Close(ins.Index)
			return &StepResult{Next: exit, Output: map[string]any{"done": true, "iterations": lc.Count}}, nil
		}
		setLoopCounter(state, cfg, lc)
		return &StepResult{Next: body, Output: map[string]any{"iteration": lc.Count}}, nil
	}
}

func setLoopItem(state *ExecutionState, cfg *LoopStartConfig, lc *LoopContext) {
	if cfg.ItemVariable != "" {
		state.Env.Set(cfg.ItemVariable, lc.items[lc.Index])
	}
	if cfg.IndexVariable != "" {
		state.Env.Set(cfg.IndexVariable, lc.Index)
	}
}

func setLoopCounter(state *ExecutionState, cfg *LoopStartConfig, lc *LoopContext) {
	if cfg.CounterVariable != "" {
		state.Env.Set(cfg.CounterVariable, lc.Count)
	}
}

func loopCondition(state *ExecutionState, cfg *LoopStartConfig) bool {
	c := cfg.Condition
	return compare(state.resolveRef(c.Left), c.Operator, state.resolve(c.Right, nil))
}

// LoopEndExecutor handles the "loopEnd" node type.
type LoopEndExecutor struct{}

func (e *LoopEndExecutor) Execute(_ context.Context, ins *Instruction, state *ExecutionState) (*StepResult, error) {
	start := ins.loopStart
	if state.Loops.TakeBreak(start) {
		state.Loops.Close(start)
		res := state.next(ins)
		res.Output = map[string]any{"break": true}
		return res, nil
	}
	if _, ok := state.Loops.Get(start); !ok {
		// Reached without an active loop; re-entering would start a new one.
		slog.Debug("loopEnd reached outside its loop", "nodeId", ins.ID)
		return state.next(ins), nil
	}
	return &StepResult{Next: state.idOf(start)}, nil
}

// ContinueExecutor handles the "continue" node type.
type ContinueExecutor struct{}

func (e *ContinueExecutor) Execute(_ context.Context, ins *Instruction, state *ExecutionState) (*StepResult, error) {
	cur, ok := state.Loops.Current()
	if !ok {
		slog.Debug("continue outside a loop", "nodeId", ins.ID)
		return state.next(ins), nil
	}
	return &StepResult{Next: state.idOf(state.prog.nodes[cur].loopEnd)}, nil
}

// BreakExecutor handles the "break" node type.
type BreakExecutor struct{}

func (e *BreakExecutor) Execute(_ context.Context, ins *Instruction, state *ExecutionState) (*StepResult, error) {
	cur, ok := state.Loops.Current()
	if !ok {
		slog.Debug("break outside a loop", "nodeId", ins.ID)
		return state.next(ins), nil
	}
	state.Loops.RequestBreak(cur)
	return &StepResult{Next: state.idOf(state.prog.nodes[cur].loopEnd)}, nil
}
