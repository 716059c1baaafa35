package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/docreview/permengine/internal/config"
	"github.com/docreview/permengine/internal/engine"
	"github.com/docreview/permengine/internal/preload"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.engine.HealthStatus()
	// Degraded still serves; liveness stays 200
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.BatchCheckStats())
}

func (s *Server) handlePreloadStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.PreloadStats())
}

func (s *Server) handleOptimizerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.QueryOptimizerStats())
}

func (s *Server) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	s.engine.ResetStats()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.AccessPatterns())
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}
	writeJSON(w, http.StatusOK, s.engine.UsageAnalysis(days))
}

type preloadRequest struct {
	UserIDs         []string `json:"user_ids"`
	PermissionCodes []string `json:"permission_codes"`
	Priority        int      `json:"priority"`
}

type preloadResponse struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
	Keys   int    `json:"keys"`
}

func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	var req preloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Priority == 0 {
		req.Priority = 3
	}

	task, err := s.engine.RequestPreload(r.Context(), req.UserIDs, req.PermissionCodes, req.Priority)
	switch {
	case errors.Is(err, engine.ErrPreloadingDisabled):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, preload.ErrEmptyRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, preload.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, preloadResponse{
		TaskID: task.ID,
		State:  task.State().String(),
		Keys:   len(task.Keys),
	})
}

func (s *Server) handleAutoPreload(w http.ResponseWriter, r *http.Request) {
	scheduled, err := s.engine.AutoPreload(r.Context())
	if errors.Is(err, engine.ErrPreloadingDisabled) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"scheduled": scheduled})
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.IndexSuggestions())
}

func (s *Server) handleApplyIndexes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()
	writeJSON(w, http.StatusOK, s.engine.ApplyIndexOptimizations(ctx))
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Config())
}

func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request) {
	var p config.Partial
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.engine.UpdateConfig(p); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Config())
}

func (s *Server) handleUserSummary(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, s.engine.UserPermissionSummary(userID))
}

func (s *Server) handleUserInvalidate(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	removed := s.engine.InvalidateUser(userID)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
