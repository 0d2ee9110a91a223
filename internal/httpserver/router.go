package httpserver

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	authmw "github.com/Skotchmaster/school_portal/internal/middleware/auth"
	"github.com/Skotchmaster/school_portal/internal/models"
)

type Deps struct {
	Auth     *AuthHTTP
	Messages *MessageHTTP
	Students *StudentHTTP
	Audit    *AuditHTTP
	AuthMw   *authmw.Authenticator
	// Ready reports whether the store is reachable.
	Ready func(ctx context.Context) error
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error {
		if d.Ready != nil {
			if err := d.Ready(c.Request().Context()); err != nil {
				return c.NoContent(http.StatusServiceUnavailable)
			}
		}
		return c.NoContent(http.StatusOK)
	})

	v1 := e.Group("/api/v1")

	v1.POST("/register", d.Auth.Register)
	v1.POST("/login", d.Auth.Login)
	v1.POST("/verify", d.Auth.Verify)
	v1.POST("/password/forgot", d.Auth.ForgotPassword)
	v1.POST("/password/reset", d.Auth.ResetPassword)

	private := v1.Group("", d.AuthMw.RequireAuth)

	private.GET("/me", d.Auth.Me)
	private.POST("/password/change", d.Auth.ChangePassword)

	private.GET("/messages", d.Messages.Inbox)
	private.POST("/messages", d.Messages.Send, d.AuthMw.RequireRoles(models.RoleAdmin, models.RoleTeacher))
	private.POST("/messages/:id/read", d.Messages.MarkRead)

	private.GET("/students", d.Students.Children)
	private.GET("/students/:id", d.Students.Get)

	admin := private.Group("/admin", d.AuthMw.RequireRoles(models.RoleAdmin))

	admin.GET("/audit", d.Audit.Search)
	admin.POST("/students", d.Students.Create)
	admin.PATCH("/users/:id/role", d.Auth.SetRole)
}
