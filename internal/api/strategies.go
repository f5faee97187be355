package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/btouchard/quantrun/internal/store"
)

// handleRunStrategy starts the strategy script for a stored strategy and
// streams its output. The run belongs to this request: when the client goes
// away the script is stopped.
func (s *Server) handleRunStrategy(w http.ResponseWriter, r *http.Request) {
	rawID := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid strategy id")
		return
	}

	st, err := s.store.GetStrategy(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "strategy not found")
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	creds, err := s.store.GetCredentials(st.UserID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "broker credentials not found")
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	input, err := store.BuildScalpingPayload(st, creds).Encode()
	if err != nil {
		writeErr(w, err)
		return
	}

	t, sub, err := s.orch.RunSession(r.Context(), s.strategyScript, rawID, json.RawMessage(input))
	if err != nil {
		writeErr(w, err)
		return
	}
	defer s.orch.Detach(sub)

	slog.Info("strategy run attached",
		"strategy_id", id,
		"task_key", t.Key,
		"task_id", t.ID,
		"subscriber_id", sub.ID)

	streamEvents(w, r, sub)
}

// handleStopStrategy stops a running strategy. The id is read from
// strategy_id, or strategyId as older clients send it.
func (s *Server) handleStopStrategy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body failed")
		return
	}
	if len(body) > 0 && !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	res := gjson.GetBytes(body, "strategy_id")
	if !res.Exists() {
		res = gjson.GetBytes(body, "strategyId")
	}
	id := res.String()
	if id == "" {
		writeError(w, http.StatusBadRequest, "strategy_id is required")
		return
	}

	if err := s.orch.StopSession(s.strategyScript, id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "stopping",
		"strategy_id": id,
	})
}
