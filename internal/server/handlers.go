package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/normanking/switchboard/internal/classify"
	"github.com/normanking/switchboard/internal/orchestrator"
	"github.com/normanking/switchboard/internal/route"
	"github.com/normanking/switchboard/internal/store"
)

// executeRequest is the submission body. Decoding is strict: unknown keys
// anywhere, including inside preferences, are rejected so a misspelled
// preference fails loudly instead of being silently ignored.
type executeRequest struct {
	Prompt      string             `json:"prompt"`
	Files       []classify.FileRef `json:"files,omitempty"`
	Preferences route.Preferences  `json:"preferences,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeExecuteRequest parses and validates a submission body.
func decodeExecuteRequest(r *http.Request) (*executeRequest, error) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	req := &executeRequest{}
	if err := dec.Decode(req); err != nil {
		return nil, err
	}
	return req, nil
}

// handleExecute submits a task and returns its queued record immediately.
// Validation and routing failures return before any record exists; the
// outcome is observed through GET /tasks/{id} and the event stream.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, err := decodeExecuteRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.runTask(w, r, orchestrator.Request{
		Prompt:      req.Prompt,
		Files:       req.Files,
		Preferences: req.Preferences,
	})
}

// handleBroadcast forces broadcast-all mode regardless of preferences.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	req, err := decodeExecuteRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	prefs := req.Preferences
	prefs.BroadcastAll = true
	s.runTask(w, r, orchestrator.Request{
		Prompt:      req.Prompt,
		Files:       req.Files,
		Preferences: prefs,
	})
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request, req orchestrator.Request) {
	task, err := s.orch.Submit(r.Context(), req)
	switch {
	case errors.Is(err, classify.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, route.ErrNoServiceAvailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case task == nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := store.Status(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)))
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit "+strconv.Quote(raw))
			return
		}
		limit = n
	}

	tasks, err := s.store.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// handleDeleteTask removes a task. Unknown ids are not an error, so
// retried deletes stay safe.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearTasks(w http.ResponseWriter, r *http.Request) {
	status := store.Status(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)))
		return
	}

	cleared, err := s.store.Clear(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"services": snap.Services(),
	})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	info, ok := s.registry.Snapshot().Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown service "+strconv.Quote(name))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := s.store.Health(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":           status,
		"services_healthy": s.healthyCount(),
		"ws_clients":       s.observer.ClientCount(),
	})
}
