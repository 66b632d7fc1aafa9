// Package api exposes the fleetd HTTP surface: the /runtime session
// gateway, the /api/engine management endpoints, /health, and /metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentfleet/fleetd/pkg/budget"
	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/database"
	"github.com/agentfleet/fleetd/pkg/lifecycle"
	"github.com/agentfleet/fleetd/pkg/metrics"
	"github.com/agentfleet/fleetd/pkg/permissions"
	"github.com/agentfleet/fleetd/pkg/runtime"
)

// HealthChecker reports backing-store health. Satisfied by
// database.Client.
type HealthChecker interface {
	Health(ctx context.Context) (*database.HealthStatus, error)
}

// Deps bundles the services the server fronts.
type Deps struct {
	Lifecycle *lifecycle.Manager
	Gateway   *runtime.Gateway
	Resolver  *permissions.Resolver
	Enforcer  *budget.Enforcer
	Metrics   *metrics.Metrics
	DB        HealthChecker
}

// Server is the fleetd HTTP server.
type Server struct {
	cfg  *config.Config
	deps Deps

	echo *echo.Echo
	http *http.Server

	warnMu   sync.Mutex
	warnings []SystemWarning

	logger *slog.Logger
}

// SystemWarning is an operator-facing condition surfaced on /health.
type SystemWarning struct {
	Category string    `json:"category"`
	Message  string    `json:"message"`
	Since    time.Time `json:"since"`
}

// NewServer builds the server and registers all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		echo:   echo.New(),
		logger: slog.Default().With("component", "api.server"),
	}
	s.registerMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) registerMiddleware() {
	s.echo.Use(correlationID())
	s.echo.Use(securityHeaders())
	s.echo.Use(rateLimit(s.cfg.RateLimit))
	if s.cfg.Auth.Enabled {
		s.echo.Use(jwtAuth(s.cfg.Auth.JWTSecret, "/health", "/metrics"))
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.healthHandler)
	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	}

	rt := s.echo.Group("/runtime")
	rt.POST("/sessions", s.spawnSessionHandler)
	rt.GET("/sessions", s.listSessionsHandler)
	rt.GET("/sessions/:id", s.getSessionHandler)
	rt.DELETE("/sessions/:id", s.terminateSessionHandler)
	rt.POST("/sessions/:id/message", s.sessionMessageHandler)
	rt.GET("/sessions/:id/stream", s.streamSessionHandler)
	rt.POST("/spawn", s.spawnSubAgentHandler)
	rt.POST("/hooks/inbound", s.inboundHookHandler)
	rt.GET("/health", s.healthHandler)

	eng := s.echo.Group("/api/engine")
	eng.POST("/agents", s.createAgentHandler)
	eng.GET("/agents", s.listAgentsHandler)
	eng.GET("/agents/:id", s.getAgentHandler)
	eng.PATCH("/agents/:id", s.updateAgentHandler)
	eng.DELETE("/agents/:id", s.destroyAgentHandler)
	eng.POST("/agents/:id/deploy", s.deployAgentHandler)
	eng.POST("/agents/:id/stop", s.stopAgentHandler)
	eng.POST("/agents/:id/restart", s.restartAgentHandler)
	eng.POST("/agents/:id/hot-update", s.hotUpdateAgentHandler)
	eng.GET("/agents/:id/transitions", s.transitionsHandler)
	eng.GET("/agents/:id/usage", s.usageHandler)
	eng.GET("/agents/:id/budget/alerts", s.budgetAlertsHandler)
	eng.POST("/permissions/check", s.permissionCheckHandler)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// AddSystemWarning records an operator-facing warning surfaced on
// /health.
func (s *Server) AddSystemWarning(category, message string) {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	s.warnings = append(s.warnings, SystemWarning{
		Category: category,
		Message:  message,
		Since:    time.Now().UTC(),
	})
}

func (s *Server) systemWarnings() []SystemWarning {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	out := make([]SystemWarning, len(s.warnings))
	copy(out, s.warnings)
	return out
}
