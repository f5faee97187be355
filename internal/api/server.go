// Package api serves the HTTP interface: script control, live log streams
// over Server-Sent Events and stored strategy runs.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/btouchard/quantrun/internal/api/middleware"
	"github.com/btouchard/quantrun/internal/orchestrator"
	"github.com/btouchard/quantrun/internal/store"
)

// StrategyStore is the part of the store used by the API.
type StrategyStore interface {
	SaveStrategy(s *store.StrategyRecord) error
	GetStrategy(id int64) (*store.StrategyRecord, error)
	ListStrategies(userID int64) ([]store.StrategyRecord, error)
	SaveCredentials(c *store.CredentialsRecord) error
	GetCredentials(userID int64) (*store.CredentialsRecord, error)
	ListRuns(f store.RunFilter) ([]store.RunRecord, error)
}

// Deps holds the dependencies of the HTTP handlers.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Store        StrategyStore
	// StrategyScript is the session-mode script run for stored strategies.
	StrategyScript string
	// Auth guards /api and /mcp. Nil leaves them open.
	Auth func(http.Handler) http.Handler
	// MCP is mounted at /mcp when set.
	MCP http.Handler
}

// Server implements the HTTP handlers.
type Server struct {
	orch           *orchestrator.Orchestrator
	store          StrategyStore
	strategyScript string
}

// NewRouter builds the chi router with every route registered.
func NewRouter(deps *Deps) chi.Router {
	s := &Server{
		orch:           deps.Orchestrator,
		store:          deps.Store,
		strategyScript: deps.StrategyScript,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.SecurityHeaders)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth)
		}

		r.Route("/api", func(r chi.Router) {
			r.Get("/tasks", s.handleListTasks)
			r.Get("/runs", s.handleListRuns)

			r.Get("/scripts", s.handleListScripts)
			r.Post("/scripts/{name}/start", s.handleStartScript)
			r.Post("/scripts/{name}/stop", s.handleStopScript)
			r.Get("/scripts/{name}/logs", s.handleScriptLogs)

			r.Get("/strategies", s.handleListStrategies)
			r.Post("/strategies", s.handleCreateStrategy)
			r.Put("/strategies/{id}", s.handleUpdateStrategy)
			r.Get("/strategies/{id}/run", s.handleRunStrategy)
			r.Post("/strategies/stop", s.handleStopStrategy)

			r.Put("/users/{userID}/credentials", s.handleSaveCredentials)
		})

		if deps.MCP != nil {
			r.Handle("/mcp", deps.MCP)
		}
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
