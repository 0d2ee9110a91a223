package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/school_portal/internal/guard"
	"github.com/Skotchmaster/school_portal/internal/logging"
	"github.com/Skotchmaster/school_portal/internal/models"
	"github.com/Skotchmaster/school_portal/internal/tokens"
)

const claimsKey = "claims"

// Authenticator puts the guard in front of echo routes. Sessions travel in
// the Authorization header only.
type Authenticator struct {
	Guard *guard.Guard
}

func NewAuthenticator(g *guard.Guard) *Authenticator {
	return &Authenticator{Guard: g}
}

func httpError(err error) *echo.HTTPError {
	code := guard.StatusCode(err)
	return echo.NewHTTPError(code, http.StatusText(code))
}

func (m *Authenticator) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		bearer := guard.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		claims, err := m.Guard.Authenticate(bearer)
		if err != nil {
			logging.FromContext(c.Request().Context()).Warn("auth_failed", "status", 401, "reason", err.Error())
			c.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
			return httpError(err)
		}

		c.Set(claimsKey, claims)
		ctx := logging.IntoContext(c.Request().Context(),
			logging.FromContext(c.Request().Context()).With("user_id", claims.SubjectID(), "role", claims.Role))
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// RequireRoles must run after RequireAuth.
func (m *Authenticator) RequireRoles(roles ...models.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := m.Guard.AuthorizeRole(ClaimsFrom(c), roles...); err != nil {
				logging.FromContext(c.Request().Context()).Warn("access_denied", "status", guard.StatusCode(err), "reason", err.Error())
				return httpError(err)
			}
			return next(c)
		}
	}
}

// ClaimsFrom returns nil on routes without RequireAuth.
func ClaimsFrom(c echo.Context) *tokens.Claims {
	claims, _ := c.Get(claimsKey).(*tokens.Claims)
	return claims
}
