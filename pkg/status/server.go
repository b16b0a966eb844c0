// Package status serves the watcher's local HTTP status endpoint.
package status

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tomacheese/watch-vrchat-user/pkg/connection"
	"github.com/tomacheese/watch-vrchat-user/pkg/presence"
	"github.com/tomacheese/watch-vrchat-user/pkg/version"
)

// Config holds the settings for a status server.
type Config struct {
	// Addr is the listen address, for example "127.0.0.1:8080".
	Addr string

	// Supervisor reports connection state and feed liveness.
	Supervisor *connection.Supervisor

	// Store reports the tracked entities.
	Store *presence.Store

	// Logger receives request diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the HTTP status endpoint.
type Server struct {
	mux        *http.ServeMux
	server     *http.Server
	supervisor *connection.Supervisor
	store      *presence.Store
	logger     *slog.Logger
	startedAt  time.Time
}

// NewServer creates a status server. Call ListenAndServe to run it.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		mux:        http.NewServeMux(),
		supervisor: cfg.Supervisor,
		store:      cfg.Store,
		logger:     cfg.Logger,
		startedAt:  time.Now(),
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.mux,
	}
	return s
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/v1/health", s.handleHealth)
	s.mux.HandleFunc("/api/v1/status", s.handleStatus)
	s.mux.HandleFunc("/api/v1/entities", s.handleEntities)
}

// Handler returns the route handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server and blocks until Close.
func (s *Server) ListenAndServe() error {
	s.logger.Info("status endpoint listening", slog.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Close shuts the server down.
func (s *Server) Close() error {
	return s.server.Close()
}

// handleHealth returns liveness and the build version.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Current,
	})
}

// statusResponse is the /api/v1/status body.
type statusResponse struct {
	Connection  string     `json:"connection"`
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
	Attempts    int        `json:"attempts"`
	Entities    int        `json:"entities"`
	StartedAt   time.Time  `json:"started_at"`
}

// handleStatus returns connection state, feed liveness and store size.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{
		Connection: s.supervisor.State().String(),
		Attempts:   s.supervisor.Attempts(),
		Entities:   s.store.Count(),
		StartedAt:  s.startedAt,
	}
	if last, ok := s.supervisor.LastEventTime(); ok {
		resp.LastEventAt = &last
	}

	writeJSON(w, http.StatusOK, resp)
}

// entityResponse is one row of the /api/v1/entities body.
type entityResponse struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	State       *string   `json:"state"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// handleEntities returns the tracked entities, sorted by ID.
func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records := s.store.Records()
	resp := make([]entityResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, entityResponse{
			ID:          rec.ID,
			DisplayName: rec.DisplayName,
			State:       rec.State,
			UpdatedAt:   rec.UpdatedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
