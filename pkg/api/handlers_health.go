package api

import (
	"fmt"
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	status := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		dbStatus = "unreachable"
		status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:   status,
		Uptime:   s.uptime(),
		Version:  s.version,
		Database: dbStatus,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "alive"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.store.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{
			Ready: false, Reason: "database unreachable",
		})
		return
	}

	role, _ := s.roles.Effective(ctx)
	ready, reason := s.roles.Ready(ctx, time.Now(), s.maxSyncLag)
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, ReadinessResponse{Ready: ready, Role: string(role), Reason: reason})
}

func (s *Server) uptime() string {
	uptime := time.Since(s.startTime)
	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	seconds := int(uptime.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
