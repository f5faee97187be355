package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/btouchard/quantrun/internal/orchestrator"
	"github.com/btouchard/quantrun/internal/store"
	"github.com/btouchard/quantrun/internal/task"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing json response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps a domain error to its HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		if spawnErr, ok := errors.AsType[*task.SpawnError](err); ok {
			slog.Error("script failed to start", "task_key", spawnErr.Key, "error", spawnErr.Err)
		} else {
			slog.Error("request failed", "error", err)
		}
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrInvalidKey),
		errors.Is(err, orchestrator.ErrInvalidPayload),
		errors.Is(err, orchestrator.ErrWrongMode):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrUnknownScript),
		errors.Is(err, task.ErrNotRunning),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
