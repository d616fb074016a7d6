package user

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/camcops/camcops/internal/platform/auth"
	"github.com/camcops/camcops/internal/platform/session"
	"github.com/camcops/camcops/internal/platform/telemetry"
)

// LoginConfig carries what the login endpoints need beyond the service.
type LoginConfig struct {
	Sessions     session.Store
	CookieName   string
	CookieSecure bool
	SigningKey   []byte
	TokenTTL     time.Duration
	Telemetry    *telemetry.TelemetryProvider
	Logger       zerolog.Logger
}

type Handler struct {
	svc   *Service
	login LoginConfig
}

func NewHandler(svc *Service, login LoginConfig) *Handler {
	if login.TokenTTL == 0 {
		login.TokenTTL = time.Hour
	}
	return &Handler{svc: svc, login: login}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/login", h.Login)
	api.POST("/token", h.IssueToken)
	api.POST("/logout", h.Logout)
	api.GET("/me", h.Me)
	api.PUT("/me/password", h.ChangeOwnPassword)

	admin := api.Group("", auth.RequireGroupAdmin())
	admin.GET("/users", h.ListUsers)
	admin.GET("/users/:id", h.GetUser)
	admin.PUT("/users/:id/memberships", h.SetMemberships)
	admin.DELETE("/users/:id/memberships/:group_id", h.RemoveFromGroup)

	super := api.Group("", auth.RequireSuperuser())
	super.POST("/users", h.CreateUser)
	super.PUT("/users/:id", h.UpdateUser)
	super.PUT("/users/:id/password", h.SetPassword)
	super.DELETE("/users/:id", h.DeleteUser)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login checks credentials and starts a cookie session.
func (h *Handler) Login(c echo.Context) error {
	var cr credentials
	if err := c.Bind(&cr); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	u, err := h.authenticate(c, cr)
	if err != nil {
		return err
	}

	s, err := h.login.Sessions.Create(ctx, u.ID)
	if err != nil {
		h.login.Logger.Error().Err(err).Msg("create session")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session store unavailable")
	}
	c.SetCookie(&http.Cookie{
		Name:     h.login.CookieName,
		Value:    s.CookieValue(),
		Path:     "/",
		HttpOnly: true,
		Secure:   h.login.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	return c.JSON(http.StatusOK, u)
}

// IssueToken checks credentials and returns a bearer token for API clients.
func (h *Handler) IssueToken(c echo.Context) error {
	if len(h.login.SigningKey) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "bearer tokens are not enabled")
	}
	var cr credentials
	if err := c.Bind(&cr); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u, err := h.authenticate(c, cr)
	if err != nil {
		return err
	}
	tok, err := auth.IssueToken(h.login.SigningKey, u.ID, u.Username, h.login.TokenTTL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"access_token": tok,
		"token_type":   "Bearer",
		"expires_in":   int(h.login.TokenTTL.Seconds()),
	})
}

func (h *Handler) authenticate(c echo.Context, cr credentials) (*User, error) {
	if cr.Username == "" || cr.Password == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}
	u, err := h.svc.Authenticate(c.Request().Context(), cr.Username, cr.Password)
	switch {
	case err == nil:
		h.login.Telemetry.RecordLogin("success")
		h.login.Logger.Info().Str("username", u.Username).Str("remote_ip", c.RealIP()).Msg("login")
		return u, nil
	case errors.Is(err, ErrLockedOut):
		h.login.Telemetry.RecordLogin("locked")
		h.login.Logger.Warn().Str("username", cr.Username).Str("remote_ip", c.RealIP()).Msg("login refused: account locked")
		return nil, echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrBadCredentials):
		h.login.Telemetry.RecordLogin("failure")
		h.login.Logger.Warn().Str("username", cr.Username).Str("remote_ip", c.RealIP()).Msg("login failed")
		return nil, echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	default:
		h.login.Telemetry.RecordLogin("error")
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// Logout ends the cookie session, if there is one.
func (h *Handler) Logout(c echo.Context) error {
	if cookie, err := c.Cookie(h.login.CookieName); err == nil {
		if id, _, err := session.ParseCookieValue(cookie.Value); err == nil {
			if err := h.login.Sessions.Delete(c.Request().Context(), id); err != nil {
				h.login.Logger.Warn().Err(err).Msg("delete session")
			}
		}
	}
	c.SetCookie(&http.Cookie{
		Name:     h.login.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.login.CookieSecure,
	})
	return c.NoContent(http.StatusNoContent)
}

// Me returns the caller's resolved permissions.
func (h *Handler) Me(c echo.Context) error {
	p := auth.PrincipalFromContext(c.Request().Context())
	if p == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "not logged in")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id":           p.UserID,
		"username":          p.Username,
		"superuser":         p.Superuser,
		"groups_may_see":    p.IDsOfGroupsMaySee(),
		"groups_may_dump":   p.IDsOfGroupsMayDump(),
		"groups_admin":      p.IDsOfGroupsAdministered(),
		"may_use_webviewer": p.MayUseWebviewer(),
		"upload_group_id":   p.UploadGroupID,
	})
}

type passwordBody struct {
	Password string `json:"password"`
}

func (h *Handler) ChangeOwnPassword(c echo.Context) error {
	p := auth.PrincipalFromContext(c.Request().Context())
	if p == nil || p.UserID == 0 {
		return echo.NewHTTPError(http.StatusUnauthorized, "not logged in")
	}
	return h.changePassword(c, p.UserID)
}

func (h *Handler) SetPassword(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return h.changePassword(c, id)
}

func (h *Handler) changePassword(c echo.Context, id int64) error {
	var body passwordBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.ChangePassword(c.Request().Context(), id, body.Password); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type createUserBody struct {
	User
	Password string `json:"password"`
}

func (h *Handler) CreateUser(c echo.Context) error {
	var body createUserBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u := body.User
	if err := h.svc.CreateUser(c.Request().Context(), &u, body.Password); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, u)
}

// ListUsers returns all users to superusers and, to group administrators,
// the members of the groups they administer.
func (h *Handler) ListUsers(c echo.Context) error {
	ctx := c.Request().Context()
	users, err := h.svc.ListUsers(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	p := auth.PrincipalFromContext(ctx)
	visible := make([]*User, 0, len(users))
	for _, u := range users {
		if mayManage(p, u) {
			visible = append(visible, u)
		}
	}
	return c.JSON(http.StatusOK, visible)
}

func (h *Handler) GetUser(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	u, err := h.svc.GetUser(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if !mayManage(auth.PrincipalFromContext(c.Request().Context()), u) {
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) UpdateUser(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var u User
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u.ID = id
	if err := h.svc.UpdateUser(c.Request().Context(), &u); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) DeleteUser(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if p := auth.PrincipalFromContext(c.Request().Context()); p != nil && p.UserID == id {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot delete yourself")
	}
	if err := h.svc.DeleteUser(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SetMemberships(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var ms []GroupMembership
	if err := c.Bind(&ms); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if err := h.svc.SetMemberships(ctx, auth.PrincipalFromContext(ctx), id, ms); err != nil {
		return httpError(err)
	}
	u, err := h.svc.GetUser(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) RemoveFromGroup(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	groupID, err := strconv.ParseInt(c.Param("group_id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid group_id")
	}
	ctx := c.Request().Context()
	if err := h.svc.RemoveFromGroup(ctx, auth.PrincipalFromContext(ctx), id, groupID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func mayManage(p *auth.Principal, u *User) bool {
	if p == nil {
		return false
	}
	if p.Superuser {
		return true
	}
	for _, m := range u.Memberships {
		if p.MayAdministerGroup(m.GroupID) {
			return true
		}
	}
	return false
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
