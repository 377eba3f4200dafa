package flow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// ExecuteRequest is the body of POST /flows/{id}/execute.
type ExecuteRequest struct {
	Input       any               `json:"input,omitempty"`
	InputFormID string            `json:"inputFormId,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	RoleID      string            `json:"roleId,omitempty"`
	// Confirm answers every confirm prompt of the run. Absent means cancel.
	Confirm *bool `json:"confirm,omitempty"`
}

// TriggerRequest is the body of POST /triggers.
type TriggerRequest struct {
	TriggerEvent
	Confirm *bool `json:"confirm,omitempty"`
}

// HandleGetFlow loads a flow definition from the database and returns it as JSON.
func (s *Service) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Getting flow", "id", id)

	f, err := s.repo.Get(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get flow", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if f == nil {
		writeError(w, http.StatusNotFound, "flow not found")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(f)
}

// HandlePutFlow validates and stores a flow design, then drops the cached
// trigger bindings of its project.
func (s *Service) HandlePutFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var f Flow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if f.ID == "" {
		f.ID = id
	}
	if f.ID != id {
		writeError(w, http.StatusBadRequest, "id does not match path")
		return
	}
	if err := s.validate.Struct(&f); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if _, err := compile(&f); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if prev, err := s.repo.Get(r.Context(), id); err == nil && prev != nil && prev.ProjectID != f.ProjectID {
		s.triggers.Invalidate(prev.ProjectID)
	}
	if err := s.repo.Save(r.Context(), &f); err != nil {
		slog.Error("Failed to save flow", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.triggers.Invalidate(f.ProjectID)
	slog.Info("Flow saved", "id", id, "projectId", f.ProjectID, "nodes", len(f.Design.Nodes))

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(f)
}

// HandleExecuteFlow runs a flow headlessly and returns the step trace.
func (s *Service) HandleExecuteFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Executing flow", "id", id)

	var req ExecuteRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	f, err := s.repo.Get(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get flow for execution", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if f == nil {
		writeError(w, http.StatusNotFound, "flow not found")
		return
	}

	ctx, cancel := s.runContext(r.Context())
	defer cancel()

	res, err := s.engine.ExecuteFlow(ctx, f, RunInput{
		Payload:       req.Input,
		PayloadFormID: req.InputFormID,
		Params:        req.Params,
		RoleID:        req.RoleID,
		UI:            HeadlessUI{AutoConfirm: req.Confirm != nil && *req.Confirm},
	})
	writeRun(w, id, res, err)
}

// HandleTrigger resolves a control activation to its bound flow and runs it.
func (s *Service) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(&req.TriggerEvent); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	ctx, cancel := s.runContext(r.Context())
	defer cancel()

	res, err := s.triggers.Handle(ctx, req.TriggerEvent, HeadlessUI{AutoConfirm: req.Confirm != nil && *req.Confirm})
	writeRun(w, req.ControlID, res, err)
}

func (s *Service) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.runTimeout > 0 {
		return context.WithTimeout(parent, s.runTimeout)
	}
	return context.WithCancel(parent)
}

// writeRun reports a run. A failed run that produced a partial result is sent
// with the error status and the result as body.
func writeRun(w http.ResponseWriter, id string, res *RunResult, err error) {
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("Flow execution failed", "id", id, "error", err)
		}
		if res == nil {
			writeError(w, status, err.Error())
			return
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(res)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, ErrMalformedFlow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrFlowNotFound), errors.Is(err, ErrNoMatchingFlow):
		return http.StatusNotFound
	case errors.Is(err, ErrCancelled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		if fe.Tag() == "required" {
			return field + " is required"
		}
		return field + " is invalid"
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}
