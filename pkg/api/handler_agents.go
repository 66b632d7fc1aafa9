package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentfleet/fleetd/pkg/models"
)

// CreateAgentRequest is the body of POST /api/engine/agents.
type CreateAgentRequest struct {
	OrgID  string             `json:"orgId"`
	Config models.AgentConfig `json:"config"`
}

// ActionResponse acknowledges an asynchronous lifecycle action.
type ActionResponse struct {
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
}

// StopRequest optionally carries the stop reason.
type StopRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) createAgentHandler(c *echo.Context) error {
	var req CreateAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	agent, err := s.deps.Lifecycle.CreateAgent(c.Request().Context(), req.OrgID, req.Config, extractActor(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, agent)
}

func (s *Server) listAgentsHandler(c *echo.Context) error {
	agents := s.deps.Lifecycle.ListAgents(c.QueryParam("orgId"))
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetAgentStates(agents)
	}
	return c.JSON(http.StatusOK, agents)
}

func (s *Server) getAgentHandler(c *echo.Context) error {
	agent, err := s.deps.Lifecycle.GetAgent(c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, agent)
}

func (s *Server) updateAgentHandler(c *echo.Context) error {
	var patch models.ConfigPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	agent, err := s.deps.Lifecycle.UpdateConfig(c.Request().Context(), c.Param("id"), &patch, extractActor(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, agent)
}

func (s *Server) destroyAgentHandler(c *echo.Context) error {
	if err := s.deps.Lifecycle.Destroy(c.Request().Context(), c.Param("id"), extractActor(c)); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// deployAgentHandler accepts the deploy and runs it in the background;
// the transition log and GET /agents/:id expose progress.
func (s *Server) deployAgentHandler(c *echo.Context) error {
	id := c.Param("id")
	actor := extractActor(c)

	// Validate existence and deployability before accepting.
	state, err := s.deps.Lifecycle.AgentState(id)
	if err != nil {
		return mapServiceError(err)
	}
	switch state {
	case models.StateReady, models.StateStopped, models.StateError:
	default:
		return echo.NewHTTPError(http.StatusConflict, "agent cannot be deployed from state "+string(state))
	}

	go func() {
		started := time.Now()
		if err := s.deps.Lifecycle.Deploy(context.Background(), id, actor); err != nil {
			s.logger.Error("Background deploy failed", "agent_id", id, "error", err)
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.DeployDuration.Observe(time.Since(started).Seconds())
		}
	}()

	return c.JSON(http.StatusAccepted, &ActionResponse{AgentID: id, Status: "deploying"})
}

func (s *Server) stopAgentHandler(c *echo.Context) error {
	var req StopRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	id := c.Param("id")
	if err := s.deps.Lifecycle.Stop(c.Request().Context(), id, extractActor(c), req.Reason); err != nil {
		return mapServiceError(err)
	}
	agent, err := s.deps.Lifecycle.GetAgent(id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, agent)
}

func (s *Server) restartAgentHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.deps.Lifecycle.Restart(c.Request().Context(), id, extractActor(c)); err != nil {
		return mapServiceError(err)
	}
	agent, err := s.deps.Lifecycle.GetAgent(id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, agent)
}

func (s *Server) hotUpdateAgentHandler(c *echo.Context) error {
	var patch models.ConfigPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	agent, err := s.deps.Lifecycle.HotUpdate(c.Request().Context(), c.Param("id"), &patch, extractActor(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, agent)
}

func (s *Server) transitionsHandler(c *echo.Context) error {
	limit := parseLimit(c, 100)
	transitions, err := s.deps.Lifecycle.TransitionLog(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, transitions)
}

func (s *Server) usageHandler(c *echo.Context) error {
	agent, err := s.deps.Lifecycle.GetAgent(c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, agent.Usage)
}

func (s *Server) budgetAlertsHandler(c *echo.Context) error {
	id := c.Param("id")
	if _, err := s.deps.Lifecycle.AgentState(id); err != nil {
		return mapServiceError(err)
	}
	if s.deps.Enforcer == nil {
		return c.JSON(http.StatusOK, []models.BudgetAlert{})
	}
	return c.JSON(http.StatusOK, s.deps.Enforcer.RecentAlerts(id, parseLimit(c, 100)))
}

// PermissionCheckRequest is the body of POST /api/engine/permissions/check.
type PermissionCheckRequest struct {
	AgentID string `json:"agentId"`
	ToolID  string `json:"toolId"`
}

func (s *Server) permissionCheckHandler(c *echo.Context) error {
	var req PermissionCheckRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AgentID == "" || req.ToolID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agentId and toolId are required")
	}

	decision, err := s.deps.Resolver.Check(c.Request().Context(), req.AgentID, req.ToolID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, decision)
}

func parseLimit(c *echo.Context, fallback int) int {
	v := c.QueryParam("limit")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
