package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mattjoyce/devserv/internal/kserv"
	"github.com/mattjoyce/devserv/internal/lifecycle"
	"github.com/mattjoyce/devserv/internal/vfs"
)

// handleHealthz reports "ok" while the serve loop runs and "unavailable" (503)
// in any other lifecycle state.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		Device:        s.config.Device,
		Index:         s.config.Index,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Stats != nil {
		resp.Requests = s.deps.Stats.Snapshot().Total
	}
	status := http.StatusOK
	if s.deps.Lifecycle != nil {
		resp.State = s.deps.Lifecycle.State()
		if resp.State != lifecycle.StateServing {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		s.writeError(w, http.StatusNotFound, "dispatch stats unavailable")
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Stats.Snapshot())
}

func (s *Server) handleMounts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Mounts == nil {
		s.writeError(w, http.StatusNotFound, "mount table unavailable")
		return
	}
	mounts, err := s.deps.Mounts.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list mounts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list mounts")
		return
	}
	if mounts == nil {
		mounts = []vfs.Mount{}
	}
	respondJSON(w, http.StatusOK, MountsResponse{Mounts: mounts})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if s.deps.Services == nil {
		s.writeError(w, http.StatusNotFound, "service registry unavailable")
		return
	}
	services, err := s.deps.Services.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list services", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list services")
		return
	}
	if services == nil {
		services = []kserv.Record{}
	}
	respondJSON(w, http.StatusOK, ServicesResponse{Services: services})
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lifecycle == nil {
		s.writeError(w, http.StatusNotFound, "lifecycle unavailable")
		return
	}
	history := s.deps.Lifecycle.History()
	if history == nil {
		history = []lifecycle.Transition{}
	}
	respondJSON(w, http.StatusOK, LifecycleResponse{
		State:       s.deps.Lifecycle.State(),
		Transitions: history,
	})
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
