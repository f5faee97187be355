package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/btouchard/quantrun/internal/config"
	"github.com/btouchard/quantrun/internal/orchestrator"
	"github.com/btouchard/quantrun/internal/store"
	"github.com/btouchard/quantrun/internal/task"
)

const maxPayloadBytes = 1 << 20

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.orch.Tasks()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := tasks[:0]
		for _, snap := range tasks {
			if string(snap.State) == state {
				filtered = append(filtered, snap)
			}
		}
		tasks = filtered
	}
	if tasks == nil {
		tasks = []task.Snapshot{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleListScripts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Scripts())
}

// handleStartScript launches a script in the background. The request body,
// when present, is written to the script's stdin.
func (s *Server) handleStartScript(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		if _, ok := errors.AsType[*http.MaxBytesError](err); ok {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "reading request body failed")
		return
	}

	var payload any
	if len(bytes.TrimSpace(body)) > 0 {
		payload = json.RawMessage(body)
	}

	t, err := s.orch.Start(r.Context(), name, r.URL.Query().Get("id"), payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t.Snapshot())
}

func (s *Server) handleStopScript(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	script, err := s.orch.Script(name)
	if err != nil {
		writeErr(w, err)
		return
	}

	if script.Mode == config.ModeSession {
		id := r.URL.Query().Get("id")
		if err := s.orch.StopSession(name, id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopping", "key": orchestrator.SessionKey(name, id)})
		return
	}

	if err := s.orch.Stop(name); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping", "key": name})
}

// handleScriptLogs streams the output of a shared script. Clients that
// connect before the script runs receive only its exit event.
func (s *Server) handleScriptLogs(w http.ResponseWriter, r *http.Request) {
	sub, err := s.orch.Watch(chi.URLParam(r, "name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	defer s.orch.Detach(sub)

	streamEvents(w, r, sub)
}

type runView struct {
	TaskID    string     `json:"task_id"`
	Key       string     `json:"key"`
	Command   string     `json:"command"`
	PID       int        `json:"pid,omitempty"`
	State     string     `json:"state"`
	ExitCode  int        `json:"exit_code"`
	Message   string     `json:"message,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
	Duration  string     `json:"duration,omitempty"`
}

func newRunView(rec store.RunRecord) runView {
	v := runView{
		TaskID:    rec.TaskID,
		Key:       rec.Key,
		Command:   rec.Command,
		PID:       rec.PID,
		State:     rec.State,
		ExitCode:  rec.ExitCode,
		Message:   rec.Message,
		StartedAt: rec.StartedAt,
	}
	if !rec.ExitedAt.IsZero() {
		exited := rec.ExitedAt
		v.ExitedAt = &exited
		v.Duration = rec.Duration().Round(time.Millisecond).String()
	}
	return v
}

// handleListRuns returns run history, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Key:   q.Get("key"),
		State: q.Get("state"),
		Limit: 50,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, 500)
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}

	runs, err := s.store.ListRuns(filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]runView, 0, len(runs))
	for _, rec := range runs {
		views = append(views, newRunView(rec))
	}
	writeJSON(w, http.StatusOK, views)
}
