package export

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/camcops/camcops/internal/domain/task"
	"github.com/camcops/camcops/internal/platform/auth"
	"github.com/camcops/camcops/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/exports/:recipient", h.Run)
	api.POST("/exports/:recipient/tasks/:table/:pk", h.ExportTask)

	su := api.Group("", auth.RequireSuperuser())
	su.GET("/exports/recipients", h.ListRecipients)
	su.GET("/exports", h.ListExported)
}

func (h *Handler) ListRecipients(c echo.Context) error {
	rs := h.svc.Recipients()
	if rs == nil {
		rs = []*Recipient{}
	}
	return c.JSON(http.StatusOK, rs)
}

// Run queues the recipient's outstanding tasks. Delivery carries on in the
// background; GET /exports shows the outcome.
func (h *Handler) Run(c echo.Context) error {
	ctx := c.Request().Context()
	n, err := h.svc.Run(ctx, auth.PrincipalFromContext(ctx), c.Param("recipient"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"recipient": c.Param("recipient"),
		"queued":    n,
	})
}

func (h *Handler) ExportTask(c echo.Context) error {
	pk, err := strconv.ParseInt(c.Param("pk"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid pk")
	}
	ctx := c.Request().Context()
	et, err := h.svc.ExportTask(ctx, auth.PrincipalFromContext(ctx), c.Param("recipient"), c.Param("table"), pk)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, et)
}

func (h *Handler) ListExported(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), c.QueryParam("recipient"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNoRecipient), errors.Is(err, task.ErrNotFound), errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrUnknownTable):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAlreadyDone):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrForbidden), errors.Is(err, task.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrQueueClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
