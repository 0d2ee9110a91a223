package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"

	authmw "github.com/Skotchmaster/school_portal/internal/middleware/auth"
	"github.com/Skotchmaster/school_portal/internal/service"
	"github.com/Skotchmaster/school_portal/internal/transport"
)

type AuthHTTP struct {
	Svc *service.AuthService
}

func (h *AuthHTTP) Register(c echo.Context) error {
	ctx := c.Request().Context()

	var req transport.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return badBody(ctx, "register", err)
	}

	res, err := h.Svc.Register(ctx, req)
	if err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *AuthHTTP) Login(c echo.Context) error {
	ctx := c.Request().Context()

	var req transport.LoginRequest
	if err := c.Bind(&req); err != nil {
		return badBody(ctx, "login", err)
	}

	res, err := h.Svc.Login(ctx, req)
	if err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *AuthHTTP) Verify(c echo.Context) error {
	ctx := c.Request().Context()

	var req transport.VerifyRequest
	if err := c.Bind(&req); err != nil {
		return badBody(ctx, "verify", err)
	}

	if err := h.Svc.VerifyAccount(ctx, req); err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "account verified"})
}

func (h *AuthHTTP) ForgotPassword(c echo.Context) error {
	ctx := c.Request().Context()

	var req transport.ForgotPasswordRequest
	if err := c.Bind(&req); err != nil {
		return badBody(ctx, "forgot_password", err)
	}

	if err := h.Svc.RequestPasswordReset(ctx, req); err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{
		"message": "if the account exists, a reset link is on its way",
	})
}

func (h *AuthHTTP) ResetPassword(c echo.Context) error {
	ctx := c.Request().Context()

	var req transport.ResetPasswordRequest
	if err := c.Bind(&req); err != nil {
		return badBody(ctx, "reset_password", err)
	}

	if err := h.Svc.ResetPassword(ctx, req); err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "password updated"})
}

func (h *AuthHTTP) Me(c echo.Context) error {
	ctx := c.Request().Context()

	user, err := h.Svc.Me(ctx, authmw.ClaimsFrom(c).SubjectID())
	if err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusOK, user)
}

func (h *AuthHTTP) ChangePassword(c echo.Context) error {
	ctx := c.Request().Context()

	var req transport.ChangePasswordRequest
	if err := c.Bind(&req); err != nil {
		return badBody(ctx, "change_password", err)
	}

	if err := h.Svc.ChangePassword(ctx, authmw.ClaimsFrom(c).SubjectID(), req); err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "password updated"})
}

func (h *AuthHTTP) SetRole(c echo.Context) error {
	ctx := c.Request().Context()

	var req transport.SetRoleRequest
	if err := c.Bind(&req); err != nil {
		return badBody(ctx, "set_role", err)
	}

	user, err := h.Svc.SetRole(ctx, c.Param("id"), req)
	if err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusOK, user)
}
