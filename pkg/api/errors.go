package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentfleet/fleetd/pkg/lifecycle"
	"github.com/agentfleet/fleetd/pkg/permissions"
	"github.com/agentfleet/fleetd/pkg/runtime"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *lifecycle.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, lifecycle.ErrNotFound) || errors.Is(err, permissions.ErrProfileNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, lifecycle.ErrConflict) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if errors.Is(err, lifecycle.ErrInitializing) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service is initializing")
	}
	if errors.Is(err, runtime.ErrSessionLimit) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "session limit reached")
	}

	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
