package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
)

// TriggerControl is the start node trigger type matched by control events.
const TriggerControl = "control"

var ErrNoMatchingFlow = errors.New("no flow is bound to this control")

// TriggerEvent is raised when a control on a page is activated.
type TriggerEvent struct {
	ProjectID     string            `json:"projectId" validate:"required"`
	PageID        string            `json:"pageId" validate:"required"`
	ControlID     string            `json:"controlId" validate:"required"`
	Payload       any               `json:"payload,omitempty"`
	PayloadFormID string            `json:"payloadFormId,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
	RoleID        string            `json:"roleId,omitempty"`
}

// FlowRepo abstracts flow persistence.
type FlowRepo interface {
	Get(ctx context.Context, id string) (*Flow, error)
	ListByProject(ctx context.Context, projectID string) ([]Flow, error)
}

// binding is the trigger part of a flow's start node.
type binding struct {
	flowID    string
	pageID    string
	controlID string
}

// TriggerAdapter maps control events to flows and starts them.
type TriggerAdapter struct {
	repo     FlowRepo
	engine   *Engine
	bindings *cache.Cache
}

// NewTriggerAdapter caches each project's trigger bindings for ttl.
func NewTriggerAdapter(repo FlowRepo, engine *Engine, ttl time.Duration) *TriggerAdapter {
	return &TriggerAdapter{
		repo:     repo,
		engine:   engine,
		bindings: cache.New(ttl, 2*ttl),
	}
}

// Invalidate drops the cached bindings of a project.
func (t *TriggerAdapter) Invalidate(projectID string) {
	t.bindings.Delete(projectID)
}

// Handle runs the first flow whose start node is bound to the event's page and control.
func (t *TriggerAdapter) Handle(ctx context.Context, ev TriggerEvent, ui UI) (*RunResult, error) {
	bindings, err := t.projectBindings(ctx, ev.ProjectID)
	if err != nil {
		return nil, err
	}

	for _, b := range bindings {
		if b.pageID != ev.PageID || b.controlID != ev.ControlID {
			continue
		}
		f, err := t.repo.Get(ctx, b.flowID)
		if err != nil {
			return nil, fmt.Errorf("load flow %q: %w", b.flowID, err)
		}
		if f == nil {
			t.Invalidate(ev.ProjectID)
			return nil, fmt.Errorf("%w: %q", ErrFlowNotFound, b.flowID)
		}
		slog.Info("Trigger matched flow", "flowId", f.ID, "pageId", ev.PageID, "controlId", ev.ControlID)
		return t.engine.ExecuteFlow(ctx, f, RunInput{
			Payload:       ev.Payload,
			PayloadFormID: ev.PayloadFormID,
			Params:        ev.Params,
			RoleID:        ev.RoleID,
			UI:            ui,
		})
	}

	slog.Debug("No flow bound to control", "projectId", ev.ProjectID, "pageId", ev.PageID, "controlId", ev.ControlID)
	return nil, ErrNoMatchingFlow
}

// Listen handles events from a channel one at a time until ctx is done or the
// channel is closed.
func (t *TriggerAdapter) Listen(ctx context.Context, events <-chan TriggerEvent, ui UI) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := t.Handle(ctx, ev, ui); err != nil && !errors.Is(err, ErrNoMatchingFlow) {
				slog.Error("Triggered flow failed", "pageId", ev.PageID, "controlId", ev.ControlID, "error", err)
			}
		}
	}
}

func (t *TriggerAdapter) projectBindings(ctx context.Context, projectID string) ([]binding, error) {
	if v, ok := t.bindings.Get(projectID); ok {
		return v.([]binding), nil
	}

	flows, err := t.repo.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}

	var out []binding
	for _, f := range flows {
		for _, n := range f.Design.Nodes {
			if n.Type.Canonical() != TypeStart {
				continue
			}
			spec, err := decodeConfig(n, TypeStart)
			if err != nil {
				slog.Warn("Skipping flow with unreadable start node", "flowId", f.ID, "error", err)
				break
			}
			sc := spec.(*StartConfig)
			if sc.TriggerType == TriggerControl {
				out = append(out, binding{flowID: f.ID, pageID: sc.PageID, controlID: sc.ControlID})
			}
			break
		}
	}
	t.bindings.Set(projectID, out, cache.DefaultExpiration)
	return out, nil
}
