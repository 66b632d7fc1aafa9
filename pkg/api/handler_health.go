package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentfleet/fleetd/pkg/version"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string          `json:"status"`
	Version      string          `json:"version"`
	Database     string          `json:"database,omitempty"`
	LiveSessions int             `json:"liveSessions"`
	Warnings     []SystemWarning `json:"warnings,omitempty"`
}

func (s *Server) healthHandler(c *echo.Context) error {
	resp := &HealthResponse{
		Status:   "healthy",
		Version:  version.Full(),
		Warnings: s.systemWarnings(),
	}
	if s.deps.Gateway != nil {
		resp.LiveSessions = s.deps.Gateway.LiveCount()
	}

	status := http.StatusOK
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		dbHealth, err := s.deps.DB.Health(ctx)
		if err != nil {
			resp.Database = "unreachable"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = dbHealth.Status
		}
	}
	if s.deps.Lifecycle != nil && !s.deps.Lifecycle.Ready() {
		resp.Status = "initializing"
		status = http.StatusServiceUnavailable
	}

	return c.JSON(status, resp)
}
