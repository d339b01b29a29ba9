// Package web is the HTTP and WebSocket surface: experiment CRUD,
// conversation lookup, model management, and the per-experiment event
// stream.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentlab/agentlab/internal/experiment"
	"github.com/agentlab/agentlab/internal/filestore"
	"github.com/agentlab/agentlab/internal/pull"
	"github.com/agentlab/agentlab/internal/registry"
)

type Server struct {
	router      chi.Router
	port        int
	store       *filestore.Store
	experiments *experiment.Manager
	pulls       *pull.Manager
	registry    *registry.Client
	logger      *slog.Logger
}

func NewServer(port int, store *filestore.Store, experiments *experiment.Manager, pulls *pull.Manager, reg *registry.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:      chi.NewRouter(),
		port:        port,
		store:       store,
		experiments: experiments,
		pulls:       pulls,
		registry:    reg,
		logger:      logger.With("component", "web"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/experiments", s.handleCreateExperiment)
		r.Get("/experiments", s.handleListExperiments)
		r.Get("/experiments/{id}", s.handleGetExperiment)
		r.Delete("/experiments/{id}", s.handleDeleteExperiment)
		r.Post("/experiments/{id}/cancel", s.handleCancelExperiment)
		r.Get("/experiments/{id}/conversations", s.handleListConversations)

		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Post("/conversations/import", s.handleImportConversation)
		r.Put("/conversations/{id}", s.handleUpdateConversation)

		r.Get("/models", s.handleListModels)
		r.Get("/models/version", s.handleVersion)
		r.Post("/models/show", s.handleShowModel)
		r.Delete("/models", s.handleDeleteModel)

		r.Post("/models/pull", s.handleStartPull)
		r.Get("/models/pull", s.handleListPulls)
		r.Get("/models/pull/{taskID}", s.handleGetPull)
		r.Post("/models/pull/{taskID}/cancel", s.handleCancelPull)
	})

	r.Get("/ws/experiments/{id}", s.handleExperimentStream)
	r.Get("/ws/models/pull/{taskID}", s.handlePullStream)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting server", "addr", server.Addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
