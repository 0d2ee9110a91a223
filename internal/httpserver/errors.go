package httpserver

import (
	"context"
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/school_portal/internal/guard"
	"github.com/Skotchmaster/school_portal/internal/logging"
	"github.com/Skotchmaster/school_portal/internal/service"
	"github.com/Skotchmaster/school_portal/internal/tokens"
)

// httpError turns a service error into the response the client sees.
// Internal failures are logged here and reported without detail.
func httpError(ctx context.Context, err error) *echo.HTTPError {
	var verrs validation.Errors
	var deny *guard.Deny

	switch {
	case errors.As(err, &verrs):
		return echo.NewHTTPError(http.StatusBadRequest, echo.Map{
			"message": "validation failed",
			"fields":  verrs,
		})
	case errors.Is(err, service.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid email or password")
	case errors.Is(err, tokens.ErrInvalidToken):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid or expired token")
	case errors.As(err, &deny):
		code := guard.StatusCode(err)
		return echo.NewHTTPError(code, http.StatusText(code))
	case errors.Is(err, service.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "already exists")
	case errors.Is(err, service.ErrTooManyAttempts):
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many failed attempts, try again later")
	default:
		logging.FromContext(ctx).Error("internal_error", "status", 500, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}

func badBody(ctx context.Context, handler string, err error) *echo.HTTPError {
	logging.FromContext(ctx).Warn(handler+"_error", "status", 400, "error", err)
	return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
}
