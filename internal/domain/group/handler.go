package group

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
	api.GET("/groups", h.ListGroups)
	api.GET("/groups/:id", h.GetGroup)

	admin := api.Group("", auth.RequireSuperuser())
	admin.POST("/groups", h.CreateGroup)
	admin.PUT("/groups/:id", h.UpdateGroup)
	admin.DELETE("/groups/:id", h.DeleteGroup)
}

func (h *Handler) CreateGroup(c echo.Context) error {
	var g Group
	if err := c.Bind(&g); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateGroup(c.Request().Context(), &g); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, g)
}

// ListGroups returns every group for superusers, and otherwise the groups
// whose records the caller may see.
func (h *Handler) ListGroups(c echo.Context) error {
	ctx := c.Request().Context()
	groups, err := h.svc.ListGroups(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	p := auth.PrincipalFromContext(ctx)
	visible := make([]*Group, 0, len(groups))
	for _, g := range groups {
		if p != nil && p.MaySeeGroup(g.ID) {
			visible = append(visible, g)
		}
	}
	return c.JSON(http.StatusOK, visible)
}

func (h *Handler) GetGroup(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p := auth.PrincipalFromContext(c.Request().Context())
	if p == nil || !p.MaySeeGroup(id) {
		return echo.NewHTTPError(http.StatusNotFound, "group not found")
	}
	g, err := h.svc.GetGroup(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, g)
}

func (h *Handler) UpdateGroup(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var g Group
	if err := c.Bind(&g); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	g.ID = id
	if err := h.svc.UpdateGroup(c.Request().Context(), &g); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, g)
}

func (h *Handler) DeleteGroup(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteGroup(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrInUse):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
