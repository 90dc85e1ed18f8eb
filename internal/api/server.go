// Package api exposes the HTTP surface: authentication, mod list CRUD,
// dependency validation, the mod portal proxy and the per-list event
// stream.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/luan/facmandu/internal/auth"
	"github.com/luan/facmandu/internal/config"
	"github.com/luan/facmandu/internal/portal"
	"github.com/luan/facmandu/internal/realtime"
	"github.com/luan/facmandu/internal/store"
)

// Server wires the HTTP routes to the application services.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	bus    *realtime.Bus
	portal *portal.Gateway
	jwt    *auth.JWTManager
	router chi.Router

	// keepAlive is the event stream ping interval. Overridable in tests.
	keepAlive time.Duration
}

// NewServer builds the server and its route table.
func NewServer(cfg *config.Config, st *store.Store, bus *realtime.Bus, gw *portal.Gateway) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		bus:       bus,
		portal:    gw,
		jwt:       auth.NewJWTManager(cfg.JWTSecret),
		keepAlive: 30 * time.Second,
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	r.Post("/api/register", s.handleRegister)
	r.Post("/api/login", s.handleLogin)
	r.Get("/api/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/api/factorio-mods/{name}", s.handleModInfo)

		r.Route("/api/modlists", func(r chi.Router) {
			r.Get("/", s.handleListModLists)
			r.Post("/", s.handleCreateModList)

			r.Route("/{listID}", func(r chi.Router) {
				r.Use(s.requireAccess)

				r.Get("/", s.handleGetModList)
				r.Patch("/", s.handleRenameModList)
				r.Post("/collaborators", s.handleAddCollaborator)
				r.Get("/validate", s.handleValidate)
				r.Get("/export", s.handleExport)
				r.Get("/events", s.handleEvents)
				r.Post("/cursor", s.handleCursor)

				r.Post("/mods", s.handleAddMod)
				r.Route("/mods/{modID}", func(r chi.Router) {
					r.Delete("/", s.handleRemoveMod)
					r.Post("/toggle", s.handleToggleMod)
					r.Post("/essential", s.handleEssential)
					r.Post("/icebox", s.handleIcebox)
				})
			})
		})
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
