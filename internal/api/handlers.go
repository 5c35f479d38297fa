package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"codebridge/internal/monitor"
	"codebridge/internal/sandbox"
	"codebridge/internal/session"
)

type Handlers struct {
	sessions      *session.Manager
	backend       sandbox.Backend
	workspaceRoot string
	metrics       *monitor.Metrics
}

func NewHandlers(sessions *session.Manager, backend sandbox.Backend, workspaceRoot string, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		sessions:      sessions,
		backend:       backend,
		workspaceRoot: workspaceRoot,
		metrics:       metrics,
	}
}

// HandleRun launches a sandbox run for a connected client. The response
// only acknowledges the launch: output and the terminal notice ride the
// client's websocket.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	err := h.sessions.SubmitRun(r.Context(), req.SocketID, session.Request{
		Code:     req.Code,
		Language: req.Language,
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrMissingFields):
			writeError(w, "code, language and socketId are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		case errors.Is(err, session.ErrUnsupportedLanguage):
			writeError(w, err.Error(), "UNSUPPORTED_LANGUAGE", http.StatusBadRequest, r)
		case errors.Is(err, session.ErrUnknownConnection):
			writeError(w, "no connected client with this socketId", "UNKNOWN_CONNECTION", http.StatusNotFound, r)
		case errors.Is(err, session.ErrRunActive):
			writeError(w, "a run is already in progress for this connection", "RUN_ACTIVE", http.StatusConflict, r)
		case errors.Is(err, sandbox.ErrBackendDown):
			writeError(w, "sandbox backend unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		default:
			h.metrics.RecordRunError("launch")
			log.Error().Err(err).
				Str("request_id", RequestIDFromContext(r.Context())).
				Str("language", req.Language).
				Msg("run launch failed")
			writeError(w, "failed to start run", "LAUNCH_FAILED", http.StatusInternalServerError, r)
		}
		return
	}

	writeJSON(w, http.StatusOK, RunResponse{Status: "started", SocketID: req.SocketID})
}

// workspaceWritable probes the workspace root with a real write; a
// read-only or missing volume is the most common deployment failure.
func (h *Handlers) workspaceWritable() bool {
	probe := filepath.Join(h.workspaceRoot, ".probe")
	if err := os.WriteFile(probe, nil, 0600); err != nil {
		return false
	}
	_ = os.Remove(probe)
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	writeJSON(w, status, ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}
