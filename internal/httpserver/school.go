package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/school_portal/internal/audit"
	authmw "github.com/Skotchmaster/school_portal/internal/middleware/auth"
	"github.com/Skotchmaster/school_portal/internal/service"
	"github.com/Skotchmaster/school_portal/internal/transport"
	"github.com/Skotchmaster/school_portal/internal/util"
)

type pageQuery struct {
	page int
	size int
}

func bindPage(c echo.Context) (pageQuery, error) {
	q := pageQuery{page: 1, size: util.DefaultPageSize}
	err := echo.QueryParamsBinder(c).
		Int("page", &q.page).
		Int("size", &q.size).
		BindError()
	return q, err
}

type MessageHTTP struct {
	Svc *service.MessageService
}

func (h *MessageHTTP) Inbox(c echo.Context) error {
	ctx := c.Request().Context()

	q, err := bindPage(c)
	if err != nil {
		return badBody(ctx, "inbox", err)
	}

	page, err := h.Svc.Inbox(ctx, authmw.ClaimsFrom(c), q.page, q.size)
	if err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusOK, page)
}

func (h *MessageHTTP) Send(c echo.Context) error {
	ctx := c.Request().Context()

	var req transport.SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return badBody(ctx, "send_message", err)
	}

	msg, err := h.Svc.Send(ctx, authmw.ClaimsFrom(c), req)
	if err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusCreated, msg)
}

func (h *MessageHTTP) MarkRead(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.Svc.MarkRead(ctx, authmw.ClaimsFrom(c), c.Param("id")); err != nil {
		return httpError(ctx, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type StudentHTTP struct {
	Svc *service.StudentService
}

func (h *StudentHTTP) Get(c echo.Context) error {
	ctx := c.Request().Context()

	student, err := h.Svc.Get(ctx, authmw.ClaimsFrom(c), c.Param("id"))
	if err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusOK, student)
}

func (h *StudentHTTP) Children(c echo.Context) error {
	ctx := c.Request().Context()

	students, err := h.Svc.Children(ctx, authmw.ClaimsFrom(c))
	if err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": students})
}

func (h *StudentHTTP) Create(c echo.Context) error {
	ctx := c.Request().Context()

	var req transport.CreateStudentRequest
	if err := c.Bind(&req); err != nil {
		return badBody(ctx, "create_student", err)
	}

	student, err := h.Svc.Create(ctx, authmw.ClaimsFrom(c), req)
	if err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusCreated, student)
}

type AuditHTTP struct {
	Searcher audit.Searcher
}

func (h *AuditHTTP) Search(c echo.Context) error {
	ctx := c.Request().Context()

	q, err := bindPage(c)
	if err != nil {
		return badBody(ctx, "audit_search", err)
	}

	total, items, err := h.Searcher.Search(ctx, audit.Query{
		UserID: c.QueryParam("user_id"),
		Type:   c.QueryParam("type"),
		Page:   q.page,
		Size:   q.size,
	})
	if err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusOK, transport.Page[audit.Event]{
		Page:  q.page,
		Size:  len(items),
		Total: total,
		Items: items,
	})
}
