package schedule

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/camcops/camcops/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireGroupAdmin())
	g.GET("/schedules", h.ListSchedules)
	g.POST("/schedules", h.CreateSchedule)
	g.GET("/schedules/:id", h.GetSchedule)
	g.PUT("/schedules/:id", h.UpdateSchedule)
	g.DELETE("/schedules/:id", h.DeleteSchedule)
	g.POST("/schedules/:id/items", h.AddItem)
	g.PUT("/schedule-items/:item_id", h.UpdateItem)
	g.DELETE("/schedule-items/:item_id", h.DeleteItem)
}

func (h *Handler) ListSchedules(c echo.Context) error {
	ctx := c.Request().Context()
	items, err := h.svc.ListSchedules(ctx, auth.PrincipalFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) CreateSchedule(c echo.Context) error {
	var sch Schedule
	if err := c.Bind(&sch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if err := h.svc.CreateSchedule(ctx, auth.PrincipalFromContext(ctx), &sch); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sch)
}

func (h *Handler) GetSchedule(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	sch, err := h.svc.GetSchedule(ctx, auth.PrincipalFromContext(ctx), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sch)
}

func (h *Handler) UpdateSchedule(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var sch Schedule
	if err := c.Bind(&sch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sch.ID = id
	ctx := c.Request().Context()
	if err := h.svc.UpdateSchedule(ctx, auth.PrincipalFromContext(ctx), &sch); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sch)
}

func (h *Handler) DeleteSchedule(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.DeleteSchedule(ctx, auth.PrincipalFromContext(ctx), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AddItem(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var it Item
	if err := c.Bind(&it); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if err := h.svc.AddItem(ctx, auth.PrincipalFromContext(ctx), id, &it); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, it)
}

func (h *Handler) UpdateItem(c echo.Context) error {
	id, err := parseID(c, "item_id")
	if err != nil {
		return err
	}
	var it Item
	if err := c.Bind(&it); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	it.ID = id
	ctx := c.Request().Context()
	if err := h.svc.UpdateItem(ctx, auth.PrincipalFromContext(ctx), &it); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) DeleteItem(c echo.Context) error {
	id, err := parseID(c, "item_id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.DeleteItem(ctx, auth.PrincipalFromContext(ctx), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func parseID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrInUse):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
