package flow

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
)

// UI is the presentation side a run talks to for prompts and navigation.
type UI interface {
	Alert(ctx context.Context, message string) error
	Confirm(ctx context.Context, message string) (bool, error)
	Navigate(ctx context.Context, nav Navigation) error
	Back(ctx context.Context, refresh bool) error
	Reload(ctx context.Context) error
	ClosePopup(ctx context.Context) error
}

// Navigation describes a resolved page target.
type Navigation struct {
	PageID  string            `json:"pageId"`
	Address string            `json:"address"`
	Params  map[string]string `json:"params,omitempty"`
	Mode    OpenMode          `json:"mode"`
}

// Effect kinds.
const (
	EffectAlert      = "alert"
	EffectConfirm    = "confirm"
	EffectNavigate   = "navigate"
	EffectBack       = "back"
	EffectReload     = "reload"
	EffectClosePopup = "closePopup"
)

// Effect is one UI side effect performed during a run.
type Effect struct {
	Kind       string      `json:"kind"`
	NodeID     string      `json:"nodeId,omitempty"`
	Message    string      `json:"message,omitempty"`
	Confirmed  *bool       `json:"confirmed,omitempty"`
	Navigation *Navigation `json:"navigation,omitempty"`
	Refresh    bool        `json:"refresh,omitempty"`
}

// HeadlessUI answers prompts without a user. Confirm returns AutoConfirm.
type HeadlessUI struct {
	AutoConfirm bool
}

func (u HeadlessUI) Alert(_ context.Context, message string) error {
	slog.Info("Flow alert", "message", message)
	return nil
}

func (u HeadlessUI) Confirm(_ context.Context, message string) (bool, error) {
	slog.Info("Flow confirm", "message", message, "answer", u.AutoConfirm)
	return u.AutoConfirm, nil
}

func (u HeadlessUI) Navigate(_ context.Context, nav Navigation) error {
	slog.Info("Flow navigate", "address", nav.Address, "mode", nav.Mode)
	return nil
}

func (u HeadlessUI) Back(context.Context, bool) error { return nil }
func (u HeadlessUI) Reload(context.Context) error { return nil }
func (u HeadlessUI) ClosePopup(context.Context) error { return nil }

// recordingUI forwards to an inner UI and keeps the effects for the run result.
type recordingUI struct {
	inner   UI
	nodeID  string
	effects []Effect
}

func (r *recordingUI) Alert(ctx context.Context, message string) error {
	r.effects = append(r.effects, Effect{Kind: EffectAlert, NodeID: r.nodeID, Message: message})
	return r.inner.Alert(ctx, message)
}

func (r *recordingUI) Confirm(ctx context.Context, message string) (bool, error) {
	ok, err := r.inner.Confirm(ctx, message)
	if err != nil {
		return false, err
	}
	r.effects = append(r.effects, Effect{Kind: EffectConfirm, NodeID: r.nodeID, Message: message, Confirmed: &ok})
	return ok, nil
}

func (r *recordingUI) Navigate(ctx context.Context, nav Navigation) error {
	r.effects = append(r.effects, Effect{Kind: EffectNavigate, NodeID: r.nodeID, Navigation: &nav})
	return r.inner.Navigate(ctx, nav)
}

func (r *recordingUI) Back(ctx context.Context, refresh bool) error {
	r.effects = append(r.effects, Effect{Kind: EffectBack, NodeID: r.nodeID, Refresh: refresh})
	return r.inner.Back(ctx, refresh)
}

func (r *recordingUI) Reload(ctx context.Context) error {
	r.effects = append(r.effects, Effect{Kind: EffectReload, NodeID: r.nodeID})
	return r.inner.Reload(ctx)
}

func (r *recordingUI) ClosePopup(ctx context.Context) error {
	r.effects = append(r.effects, Effect{Kind: EffectClosePopup, NodeID: r.nodeID})
	return r.inner.ClosePopup(ctx)
}

// pageAddress builds the address of a page with its query parameters.
func pageAddress(p Page, params map[string]string) string {
	path := p.Path
	if path == "" {
		parts := []string{""}
		for _, s := range []string{p.RoleID, p.Category, p.ID} {
			if s != "" {
				parts = append(parts, url.PathEscape(s))
			}
		}
		path = strings.Join(parts, "/")
	}
	if len(params) == 0 {
		return path
	}
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return path + "?" + q.Encode()
}
