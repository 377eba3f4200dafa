package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const defaultMaxSteps = 10000

// Engine walks a flow graph and executes each node. It owns the variable
// environment and loop stack of the run in progress and allows one run at a time.
type Engine struct {
	registry Registry
	store    Store
	pages    PageRegistry
	ui       UI
	maxSteps int
	now      func() time.Time

	running atomic.Bool
	env     *Env
	loops   *LoopStack
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxSteps bounds the number of node executions in one run.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithUI sets the UI used when a run does not bring its own.
func WithUI(ui UI) Option {
	return func(e *Engine) { e.ui = ui }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine. Every node type must have an executor.
func NewEngine(registry Registry, store Store, pages PageRegistry, opts ...Option) (*Engine, error) {
	for _, t := range AllNodeTypes {
		if registry[t] == nil {
			return nil, fmt.Errorf("no executor registered for node type %q", t)
		}
	}
	e := &Engine{
		registry: registry,
		store:    store,
		pages:    pages,
		ui:       HeadlessUI{},
		maxSteps: defaultMaxSteps,
		now:      time.Now,
		env:      NewEnv(),
		loops:    NewLoopStack(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Running reports whether a run is in progress.
func (e *Engine) Running() bool { return e.running.Load() }

// ExecuteFlow runs a flow from its start node until a node yields no successor.
// A second call while a run is active fails with ErrAlreadyRunning. When a node
// fails the run stops; the partial result is returned along with the error.
// Completed writes are not rolled back.
func (e *Engine) ExecuteFlow(ctx context.Context, f *Flow, in RunInput) (*RunResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer e.running.Store(false)

	prog, err := compile(f)
	if err != nil {
		return nil, err
	}

	e.env.Reset()
	e.loops.Reset()
	defer func() {
		e.env.Reset()
		e.loops.Reset()
	}()

	ui := in.UI
	if ui == nil {
		ui = e.ui
	}
	rec := &recordingUI{inner: ui}

	state := &ExecutionState{
		RunID: uuid.New().String(),
		Flow:  f,
		Input: in,
		Env:   e.env,
		Loops: e.loops,
		Store: e.store,
		Pages: e.pages,
		UI:    rec,
		prog:  prog,
		now:   e.now,
	}

	if f.ProjectID != "" {
		project, err := e.store.GetProject(ctx, f.ProjectID)
		if err != nil {
			return nil, storeErr("load project", err)
		}
		fields, err := e.store.ListFields(ctx, f.ProjectID)
		if err != nil {
			return nil, storeErr("list fields", err)
		}
		state.Project = project
		e.env.SetFields(fields)
	}

	if in.Payload != nil {
		e.env.Set(VarInput, in.Payload)
		if in.PayloadFormID != "" {
			e.env.Set(VarInputFormID, in.PayloadFormID)
		}
	}
	params := make(map[string]any, len(in.Params))
	for k, v := range in.Params {
		params[k] = v
	}
	e.env.Set(VarParams, params)

	slog.Debug("Executing flow", "flowId", f.ID, "runId", state.RunID)

	startTime := e.now()
	result := &RunResult{
		RunID:     state.RunID,
		FlowID:    f.ID,
		StartTime: startTime.UTC().Format(time.RFC3339),
	}
	finish := func(status string, runErr error) (*RunResult, error) {
		endTime := e.now()
		result.Status = status
		result.EndTime = endTime.UTC().Format(time.RFC3339)
		result.TotalDuration = endTime.Sub(startTime).Milliseconds()
		result.Effects = rec.effects
		result.Variables = e.env.Snapshot()
		if runErr != nil {
			result.Error = runErr.Error()
			slog.Error("Flow run failed", "flowId", f.ID, "runId", state.RunID, "error", runErr)
		}
		return result, runErr
	}

	current := prog.nodes[prog.start]
	for stepNum := 1; ; stepNum++ {
		if err := ctx.Err(); err != nil {
			return finish(StatusFailed, fmt.Errorf("%w: %w", ErrCancelled, err))
		}
		if stepNum > e.maxSteps {
			return finish(StatusFailed, malformed("run exceeded %d steps", e.maxSteps))
		}

		rec.nodeID = current.ID
		stepStart := e.now()
		res, execErr := e.registry[current.Kind].Execute(ctx, current, state)

		step := ExecutionStep{
			StepNumber: stepNum,
			NodeID:     current.ID,
			NodeType:   current.Kind,
			Label:      current.Name,
			Duration:   e.now().Sub(stepStart).Milliseconds(),
		}
		if execErr != nil {
			step.Status = "error"
			step.Error = execErr.Error()
			result.Steps = append(result.Steps, step)
			if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(execErr, ErrCancelled) {
				execErr = fmt.Errorf("%w: %w", ErrCancelled, execErr)
			}
			return finish(StatusFailed, fmt.Errorf("node %q (%s): %w", current.ID, current.Kind, execErr))
		}

		step.Status = "completed"
		step.Output = res.Output
		step.Next = res.Next
		result.Steps = append(result.Steps, step)

		if res.Next == "" {
			break
		}
		next, ok := prog.lookup(res.Next)
		if !ok {
			slog.Warn("Next node not found, ending run", "flowId", f.ID, "nodeId", current.ID, "next", res.Next)
			break
		}
		current = next
	}

	if state.navigated {
		return finish(StatusNavigated, nil)
	}
	return finish(StatusCompleted, nil)
}
