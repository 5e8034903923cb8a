package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/taskfabric/internal/store"
	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
)

type apiError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// requireToken guards API handlers with the gateway bearer token.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.cfg.Gateway.Token == "" || token != s.cfg.Gateway.Token {
			writeError(w, http.StatusUnauthorized, protocol.CodeAuthFailed, "invalid or missing token")
			return
		}
		next(w, r)
	}
}

// handleTasks serves POST /v1/tasks.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, protocol.CodeValidation, "use POST")
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeValidation, "malformed request body")
		return
	}

	result, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		writeSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

// handleTaskByID serves GET /v1/tasks/{id} and POST /v1/tasks/{id}/cancel.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	taskID, action, _ := strings.Cut(rest, "/")
	if taskID == "" {
		writeError(w, http.StatusNotFound, protocol.CodeNotFound, "missing task id")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleTaskGet(w, r, taskID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.handleTaskCancel(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, protocol.CodeNotFound, "unknown route")
	}
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.submitter.tasks.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, protocol.CodeNotFound, "no such task")
			return
		}
		slog.Error("api.task_get_failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request, taskID string) {
	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional.
	json.NewDecoder(r.Body).Decode(&body)

	if err := s.submitter.Cancel(r.Context(), taskID, body.Reason); err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID, "status": "cancel_requested"})
}

func writeSubmitError(w http.ResponseWriter, err error) {
	var coded *protocol.CodedError
	switch {
	case errors.Is(err, ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "slow down")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, protocol.CodeNotFound, "no such task")
	case errors.As(err, &coded):
		status := http.StatusBadRequest
		if coded.Code == protocol.CodeAuthFailed {
			status = http.StatusUnauthorized
		}
		writeError(w, status, coded.Code, coded.Message)
	default:
		slog.Error("api.request_failed", "error", err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Code: code, Error: msg})
}
