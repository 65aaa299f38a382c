// Package server exposes the HTTP surface: generation CRUD, queue status,
// the live event stream, and health.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/folio-ai/folio/bus"
	"github.com/folio-ai/folio/comfy"
	"github.com/folio-ai/folio/gen"
	"github.com/folio-ai/folio/queue"
	"github.com/folio-ai/folio/storage"
)

// Server handles the HTTP API
type Server struct {
	service *gen.Service
	queue   *queue.Queue
	events  *bus.Bus
	worker  *comfy.Client
	files   *storage.Store
	logger  *zap.SugaredLogger

	allowedOrigins []string
	ffmpegOK       bool

	httpServer *http.Server
}

// New wires the HTTP server
func New(service *gen.Service, q *queue.Queue, events *bus.Bus, worker *comfy.Client, files *storage.Store, allowedOrigins []string, ffmpegOK bool, logger *zap.SugaredLogger) *Server {
	return &Server{
		service:        service,
		queue:          q,
		events:         events,
		worker:         worker,
		files:          files,
		allowedOrigins: allowedOrigins,
		ffmpegOK:       ffmpegOK,
		logger:         logger,
	}
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/generations", s.handleGenerations)
	mux.HandleFunc("/api/generations/", s.handleGeneration)
	mux.HandleFunc("/api/portfolios/", s.handlePortfolios)
	mux.HandleFunc("/api/queue/status", s.handleQueueStatus)
	mux.HandleFunc("/api/events/stream", s.handleEventStream)
	mux.HandleFunc("/api/health", s.handleHealth)

	// Stored artifacts are served straight from the storage root
	mux.Handle("/storage/", http.StripPrefix("/storage/", http.FileServer(http.Dir(s.files.Root()))))

	return s.corsMiddleware(mux)
}

// Start listens on the given port until the context is cancelled
func (s *Server) Start(ctx context.Context, port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	if s.logger != nil {
		s.logger.Infow("HTTP server listening", "port", port)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// corsMiddleware allows the configured frontend origins
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range s.allowedOrigins {
			if origin == allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				break
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
