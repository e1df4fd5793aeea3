// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/noldarim/launchpad/internal/orchestrator/models"
	"github.com/noldarim/launchpad/internal/orchestrator/services"
	"github.com/noldarim/launchpad/internal/protocol"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	pipelines *services.PipelineService
	users     *services.UserService
	streamer  *RunStreamer
	version   string
}

// NewHandlers creates the handler set.
func NewHandlers(pipelines *services.PipelineService, users *services.UserService, streamer *RunStreamer, version string) *Handlers {
	return &Handlers{pipelines: pipelines, users: users, streamer: streamer, version: version}
}

// --- helpers ---

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps service errors onto status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Message, Field: verr.Field})
	case errors.Is(err, services.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		getLog().Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", GetRequestID(r.Context())).
			Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func idParam(r *http.Request, name string) (uint, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 0)
	if err != nil || id == 0 {
		return 0, &services.ValidationError{Field: name, Message: fmt.Sprintf("invalid id %q", raw)}
	}
	return uint(id), nil
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &services.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

// --- responses ---

// TriggerResponse is returned by POST /pipelines/{id}/runs.
type TriggerResponse struct {
	RunID     uint          `json:"run_id"`
	Status    models.Status `json:"status"`
	EventsURL string        `json:"events_url"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string    `json:"status"`
	Version string    `json:"version"`
	Time    time.Time `json:"time"`
}

// --- handlers ---

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: h.version, Time: time.Now().UTC()})
}

// Me handles GET /api/v1/me
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CurrentUser(r.Context()))
}

// ListPipelines handles GET /api/v1/pipelines
func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.pipelines.ListPipelines(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if status := models.Status(r.URL.Query().Get("status")); status != "" {
		pipelines = lo.Filter(pipelines, func(p *models.Pipeline, _ int) bool { return p.Status == status })
	}
	writeJSON(w, http.StatusOK, lo.Ternary(pipelines == nil, []*models.Pipeline{}, pipelines))
}

// CreatePipeline handles POST /api/v1/pipelines
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	var params services.CreatePipelineParams
	if err := decodeJSON(r, &params); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.pipelines.CreatePipeline(r.Context(), params, CurrentUser(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPipeline handles GET /api/v1/pipelines/{id}
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.pipelines.GetPipeline(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeletePipeline handles DELETE /api/v1/pipelines/{id}
func (h *Handlers) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.pipelines.DeletePipeline(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerRun handles POST /api/v1/pipelines/{id}/runs
func (h *Handlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	run, err := h.pipelines.TriggerRun(r.Context(), id, CurrentUser(r.Context()).Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{
		RunID:     run.ID,
		Status:    run.Status,
		EventsURL: fmt.Sprintf("/api/v1/runs/%d/events", run.ID),
	})
}

// ListRuns handles GET /api/v1/pipelines/{id}/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := defaultRunLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxRunLimit)
		}
	}

	runs, err := h.pipelines.ListRuns(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if status := models.Status(r.URL.Query().Get("status")); status != "" {
		runs = lo.Filter(runs, func(run *models.Run, _ int) bool { return run.Status == status })
	}
	writeJSON(w, http.StatusOK, lo.Ternary(runs == nil, []*models.Run{}, runs))
}

// PipelineLogs handles GET /api/v1/pipelines/{id}/logs
func (h *Handlers) PipelineLogs(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, err := h.pipelines.ReadLog(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	run, err := h.pipelines.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// RunHistory handles GET /api/v1/runs/{id}/history
func (h *Handlers) RunHistory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	run, err := h.pipelines.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.streamer.History(run))
}

// RunEvents handles GET /api/v1/runs/{id}/events as a server-sent event
// stream. It ends after the run's terminal event.
func (h *Handlers) RunEvents(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	run, err := h.pipelines.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		getLog().Debug().Err(err).Msg("Cannot clear write deadline for event stream")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc.Flush()

	err = h.streamer.Stream(r.Context(), run, func(ev protocol.Event) error {
		data, err := protocol.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	})
	if err != nil && r.Context().Err() == nil {
		getLog().Warn().Err(err).Uint("run_id", id).Msg("Event stream ended early")
	}
}

// ListUsers handles GET /api/v1/admin/users
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Ternary(users == nil, []*models.User{}, users))
}

type setRoleRequest struct {
	Role models.Role `json:"role"`
}

// SetUserRole handles PUT /api/v1/admin/users/{id}/role
func (h *Handlers) SetUserRole(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req setRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.users.SetRole(r.Context(), id, req.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
