package flow

import (
	"context"
	"fmt"
	"log/slog"
)

// StartExecutor handles the "start" node type. Its trigger config is only read
// by the trigger adapter.
type StartExecutor struct{}

func (e *StartExecutor) Execute(_ context.Context, ins *Instruction, state *ExecutionState) (*StepResult, error) {
	res := state.next(ins)
	res.Output = map[string]any{"message": "Flow execution started"}
	return res, nil
}

// EndExecutor handles the "end" node type. It performs the terminal side
// effect and always ends the run.
type EndExecutor struct{}

func (e *EndExecutor) Execute(ctx context.Context, ins *Instruction, state *ExecutionState) (*StepResult, error) {
	cfg := ins.Spec.(*EndConfig)
	out := map[string]any{"endType": cfg.EndType}

	switch cfg.EndType {
	case EndAlert:
		msg := state.Env.Interpolate(cfg.Message)
		out["message"] = msg
		if err := state.UI.Alert(ctx, msg); err != nil {
			return nil, fmt.Errorf("alert: %w", err)
		}
	case EndJump:
		mode := cfg.OpenMode
		if mode == "" {
			mode = OpenReplace
		}
		nav, err := navigate(ctx, state, cfg.PageID, cfg.Params, mode)
		if err != nil {
			return nil, err
		}
		out["navigation"] = nav
	case EndBack:
		if err := state.UI.Back(ctx, cfg.Refresh); err != nil {
			return nil, fmt.Errorf("back: %w", err)
		}
	case EndRefresh:
		if err := state.UI.Reload(ctx); err != nil {
			return nil, fmt.Errorf("reload: %w", err)
		}
	case EndClosePopup:
		if err := state.UI.ClosePopup(ctx); err != nil {
			return nil, fmt.Errorf("close popup: %w", err)
		}
	case EndSilent:
	default:
		slog.Warn("Unknown end type, ending silently", "nodeId", ins.ID, "endType", cfg.EndType)
	}

	return &StepResult{Output: out}, nil
}

// AlertExecutor handles "alert" (and "prompt") nodes.
type AlertExecutor struct{}

func (e *AlertExecutor) Execute(ctx context.Context, ins *Instruction, state *ExecutionState) (*StepResult, error) {
	cfg := ins.Spec.(*AlertConfig)
	msg := state.Env.Interpolate(cfg.Message)

	if cfg.AlertType != AlertConfirm {
		if err := state.UI.Alert(ctx, msg); err != nil {
			return nil, fmt.Errorf("alert: %w", err)
		}
		res := state.next(ins)
		res.Output = map[string]any{"message": msg}
		return res, nil
	}

	ok, err := state.UI.Confirm(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("confirm: %w", err)
	}

	var next string
	if ok {
		next = firstNonEmpty(cfg.ConfirmTarget, state.branchTarget(ins, "confirm", "confirmed", ""))
	} else {
		next = firstNonEmpty(cfg.CancelTarget, state.branchTarget(ins, "cancel", "cancelled"))
	}
	return &StepResult{Next: next, Output: map[string]any{"message": msg, "confirmed": ok}}, nil
}

// JumpExecutor handles "jump" (and "pageJump") nodes.
type JumpExecutor struct{}

func (e *JumpExecutor) Execute(ctx context.Context, ins *Instruction, state *ExecutionState) (*StepResult, error) {
	cfg := ins.Spec.(*JumpConfig)
	nav, err := navigate(ctx, state, cfg.PageID, cfg.Params, cfg.OpenMode)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"navigation": nav}
	if cfg.OpenMode == OpenReplace || !cfg.ContinueFlow {
		return &StepResult{Output: out}, nil
	}
	res := state.next(ins)
	res.Output = out
	return res, nil
}

// navigate resolves the page address and hands it to the UI.
func navigate(ctx context.Context, state *ExecutionState, pageID string, params []PageParam, mode OpenMode) (Navigation, error) {
	projectID := ""
	if state.Flow != nil {
		projectID = state.Flow.ProjectID
	}
	pages, err := state.Pages.ListPages(ctx, projectID, state.Input.RoleID)
	if err != nil {
		return Navigation{}, storeErr("list pages", err)
	}

	var target *Page
	for i := range pages {
		if pages[i].ID == pageID {
			target = &pages[i]
			break
		}
	}
	if target == nil {
		return Navigation{}, fmt.Errorf("%w: %q", ErrPageNotFound, pageID)
	}

	values := make(map[string]string, len(params))
	for _, p := range params {
		if p.Name == "" {
			continue
		}
		v := state.resolve(p.Value, nil)
		if IsUndefined(v) {
			slog.Debug("Skipping unresolved page parameter", "pageId", pageID, "param", p.Name)
			continue
		}
		values[p.Name] = formatValue(v)
	}

	nav := Navigation{
		PageID:  target.ID,
		Address: pageAddress(*target, values),
		Params:  values,
		Mode:    mode,
	}
	if err := state.UI.Navigate(ctx, nav); err != nil {
		return Navigation{}, fmt.Errorf("navigate: %w", err)
	}
	state.navigated = true
	return nav, nil
}

// branchTarget returns the first edge matching any of the labels, in label order.
func (s *ExecutionState) branchTarget(ins *Instruction, labels ...string) string {
	for _, l := range labels {
		if t, ok := s.prog.branch(ins.Index, l); ok {
			return t
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
