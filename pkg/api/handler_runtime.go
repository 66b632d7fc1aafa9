package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/runtime"
)

// SpawnSessionResponse is the 201 body of POST /runtime/sessions.
type SpawnSessionResponse struct {
	SessionID string    `json:"sessionId"`
	AgentID   string    `json:"agentId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageRequest is the body of POST /runtime/sessions/:id/message.
type MessageRequest struct {
	Message string `json:"message"`
}

// SpawnSubAgentRequest is the body of POST /runtime/spawn.
type SpawnSubAgentRequest struct {
	ParentSessionID string `json:"parentSessionId"`
	Task            string `json:"task"`
	AgentID         string `json:"agentId,omitempty"`
	Model           string `json:"model,omitempty"`
}

func (s *Server) spawnSessionHandler(c *echo.Context) error {
	var req runtime.SpawnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	session, err := s.deps.Gateway.Spawn(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionsSpawned.Inc()
		s.deps.Metrics.LiveSessions.Set(float64(s.deps.Gateway.LiveCount()))
	}
	return c.JSON(http.StatusCreated, &SpawnSessionResponse{
		SessionID: session.ID,
		AgentID:   session.AgentID,
		Status:    string(session.Status),
		CreatedAt: session.CreatedAt,
	})
}

func (s *Server) listSessionsHandler(c *echo.Context) error {
	sessions := s.deps.Gateway.List(
		c.QueryParam("agentId"),
		models.SessionStatus(c.QueryParam("status")),
		parseLimit(c, 0),
	)
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) getSessionHandler(c *echo.Context) error {
	session, err := s.deps.Gateway.Get(c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, session)
}

func (s *Server) terminateSessionHandler(c *echo.Context) error {
	if err := s.deps.Gateway.Terminate(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionsTerminated.Inc()
		s.deps.Metrics.LiveSessions.Set(float64(s.deps.Gateway.LiveCount()))
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) sessionMessageHandler(c *echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.deps.Gateway.SendMessage(c.Request().Context(), c.Param("id"), req.Message); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// streamSessionHandler serves the session's push channel as server-sent
// events. An initial comment frame is written immediately as keep-alive;
// each event is one JSON data frame. The stream closes on a terminal
// event or client disconnect.
func (s *Server) streamSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")

	// Buffered so a slow client cannot block gateway dispatch; overflow
	// drops the oldest semantics are acceptable for a push channel.
	events := make(chan models.StreamEvent, 32)
	unsub, err := s.deps.Gateway.Subscribe(sessionID, func(e models.StreamEvent) {
		select {
		case events <- e:
		default:
		}
	})
	if err != nil {
		return mapServiceError(err)
	}
	defer unsub()

	w := c.Response()
	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return nil
	}
	rc.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-events:
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Error("Failed to encode stream event", "session_id", sessionID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return nil
			}
			rc.Flush()
			if event.Terminal() {
				return nil
			}
		}
	}
}

func (s *Server) spawnSubAgentHandler(c *echo.Context) error {
	var req SpawnSubAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	session, err := s.deps.Gateway.SpawnSubAgent(c.Request().Context(), req.ParentSessionID, req.Task, req.AgentID, req.Model)
	if err != nil {
		return mapServiceError(err)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionsSpawned.Inc()
	}
	return c.JSON(http.StatusCreated, &SpawnSessionResponse{
		SessionID: session.ID,
		AgentID:   session.AgentID,
		Status:    string(session.Status),
		CreatedAt: session.CreatedAt,
	})
}

func (s *Server) inboundHookHandler(c *echo.Context) error {
	var event runtime.InboundEvent
	if err := c.Bind(&event); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	session, err := s.deps.Gateway.HandleInbound(c.Request().Context(), event)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, session)
}
