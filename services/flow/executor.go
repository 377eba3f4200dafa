package flow

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ExecutionState holds shared state passed between node executors during a run.
// It is owned by exactly one run.
type ExecutionState struct {
	RunID   string
	Flow    *Flow
	Project *Project
	Input   RunInput
	Env     *Env
	Loops   *LoopStack
	Store   Store
	Pages   PageRegistry
	UI      UI

	prog      *program
	navigated bool
	now       func() time.Time
	clock     time.Time // last synthesized creation time, kept strictly increasing
}

// StepResult is the output of executing a single node.
type StepResult struct {
	Next   string         // id of the next node; empty ends the run
	Output map[string]any // shown in the step trace
}

// NodeExecutor runs one instruction kind.
type NodeExecutor interface {
	Execute(ctx context.Context, ins *Instruction, state *ExecutionState) (*StepResult, error)
}

// Registry maps node types to their executor implementation.
type Registry map[NodeType]NodeExecutor

// NewRegistry creates a registry populated with all built-in executors.
func NewRegistry() Registry {
	return Registry{
		TypeStart:        &StartExecutor{},
		TypeEnd:          &EndExecutor{},
		TypeRead:         &ReadExecutor{},
		TypeWrite:        &WriteExecutor{},
		TypeUpdate:       &UpdateExecutor{},
		TypeDelete:       &DeleteExecutor{},
		TypeBinaryBranch: &BranchExecutor{},
		TypeAlert:        &AlertExecutor{},
		TypeJump:         &JumpExecutor{},
		TypeCalculate:    &CalculateExecutor{},
		TypeAggregate:    &AggregateExecutor{},
		TypeExistCheck:   &ExistCheckExecutor{},
		TypeLoopStart:    &LoopStartExecutor{},
		TypeLoopEnd:      &LoopEndExecutor{},
		TypeContinue:     &ContinueExecutor{},
		TypeBreak:        &BreakExecutor{},
	}
}

// next follows the first outgoing edge.
func (s *ExecutionState) next(ins *Instruction) *StepResult {
	return &StepResult{Next: s.prog.next(ins.Index)}
}

func (s *ExecutionState) idOf(idx int) string {
	if idx < 0 || idx >= len(s.prog.nodes) {
		return ""
	}
	return s.prog.nodes[idx].ID
}

// resolve evaluates an operand. elem is the current source element for
// field operands and may be nil.
func (s *ExecutionState) resolve(op Operand, elem any) any {
	switch op.Type {
	case OperandVariable, OperandVarPath:
		return s.Env.ResolveIn(op.Variable, op.Path)
	case OperandSystem:
		return s.systemValue(op.System)
	case OperandField:
		if elem == nil {
			return Undefined
		}
		return s.Env.Field(elem, op.Field)
	case OperandURLParam:
		if v, ok := s.Input.Params[op.Param]; ok {
			return v
		}
		return Undefined
	default:
		if op.Value == nil && op.Variable != "" {
			return s.Env.ResolveIn(op.Variable, op.Path)
		}
		return normalize(op.Value)
	}
}

func (s *ExecutionState) resolveRef(r VarRef) any {
	return s.Env.ResolveIn(r.Variable, r.Path)
}

// System value keys.
const (
	SysCurrentTime = "currentTime"
	SysCurrentDate = "currentDate"
	SysTimestamp   = "timestamp"
	SysUUID        = "uuid"
	SysRunID       = "runId"
	SysProjectID   = "projectId"
	SysRoleID      = "roleId"
)

func (s *ExecutionState) systemValue(key string) any {
	now := s.now()
	switch key {
	case SysCurrentTime:
		return now.UTC().Format(time.RFC3339)
	case SysCurrentDate:
		return now.UTC().Format(time.DateOnly)
	case SysTimestamp:
		return float64(now.UnixMilli())
	case SysUUID:
		return uuid.NewString()
	case SysRunID:
		return s.RunID
	case SysProjectID:
		if s.Flow != nil {
			return s.Flow.ProjectID
		}
		return ""
	case SysRoleID:
		return s.Input.RoleID
	default:
		return Undefined
	}
}

// createTime returns a creation timestamp that is strictly later than any
// previously synthesized one in this run, so batch inserts keep their order.
func (s *ExecutionState) createTime() string {
	t := s.now().UTC()
	if !t.After(s.clock) {
		t = s.clock.Add(time.Millisecond)
	}
	s.clock = t
	return t.Format(time.RFC3339Nano)
}
