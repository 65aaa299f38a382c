package server

import (
	"context"
	"net/http"
	"time"

	"github.com/folio-ai/folio/gen"
)

// handleGenerations covers the collection: POST creates, GET lists
func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateGeneration(w, r)
	case http.MethodGet:
		s.handleListGenerations(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleCreateGeneration(w http.ResponseWriter, r *http.Request) {
	var req gen.CreateRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	g, err := s.service.Create(&req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	portfolioID := r.URL.Query().Get("portfolio_id")
	if portfolioID == "" {
		writeError(w, http.StatusBadRequest, "portfolio_id query parameter is required")
		return
	}

	gens, err := s.service.List(portfolioID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if gens == nil {
		gens = []*gen.Generation{}
	}

	writeJSON(w, http.StatusOK, gens)
}

// handleGeneration covers a single record: GET, DELETE, and POST iterate
func (s *Server) handleGeneration(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/generations/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "Generation not found")
		return
	}
	id := parts[0]

	if len(parts) == 2 && parts[1] == "iterate" {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		variation, err := s.service.Iterate(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, variation)
		return
	}

	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		g, err := s.service.Get(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	case http.MethodDelete:
		if err := s.service.Delete(id); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handlePortfolios serves portfolio-scoped collections; currently only
// /api/portfolios/{id}/animations.
func (s *Server) handlePortfolios(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	parts := extractPathParts(r.URL.Path, "/api/portfolios/")
	if len(parts) != 2 || parts[1] != "animations" {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	animations, err := s.service.ListAnimations(parts[0])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if animations == nil {
		animations = []*gen.Generation{}
	}

	writeJSON(w, http.StatusOK, animations)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.queue.Status())
}

// handleHealth reports liveness of this process and its collaborators:
// the worker (probed live) and ffmpeg (probed at startup).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	workerOK := true
	if _, err := s.worker.SystemStats(ctx); err != nil {
		workerOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"comfyui_healthy":  workerOK,
		"ffmpeg_available": s.ffmpegOK,
		"queue":            s.queue.Status(),
	})
}
