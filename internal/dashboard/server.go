// Package dashboard exposes a read-only JSON surface over the engine's
// state: the latest reconciliation report and the position book. It never
// mutates anything.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/halpertlabs/spreadkeeper/internal/models"
	"github.com/halpertlabs/spreadkeeper/internal/reconcile"
	"github.com/halpertlabs/spreadkeeper/internal/storage"
)

// ReportSource yields the most recent reconciliation run, nil before the
// first run completes.
type ReportSource interface {
	LastReport() *reconcile.RunReport
}

type Server struct {
	router  *chi.Mux
	server  *http.Server
	storage storage.Interface
	reports ReportSource
	logger  *logrus.Logger
	port    int
}

func NewServer(port int, store storage.Interface, reports ReportSource, logger *logrus.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		storage: store,
		reports: reports,
		logger:  logger,
		port:    port,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/report", s.handleReport)
	s.router.Get("/api/accounts/{account}/positions", s.handlePositions)
	s.router.Get("/api/positions/{id}", s.handlePosition)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report := s.reports.LastReport()
	if report == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "no runs yet"})
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	userID := r.URL.Query().Get("user")

	var positions []models.Position
	if r.URL.Query().Get("open") == "true" {
		positions = s.storage.GetOpenPositions(userID, account)
	} else {
		positions = s.storage.ListPositionsByAccount(userID, account)
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pos, ok := s.storage.GetPosition(id)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, pos)
}
