package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func require(pred func(*Principal) bool, msg string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := PrincipalFromContext(c.Request().Context())
			if p == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "not logged in")
			}
			if !pred(p) {
				return echo.NewHTTPError(http.StatusForbidden, msg)
			}
			return next(c)
		}
	}
}

// RequireSuperuser admits only superusers.
func RequireSuperuser() echo.MiddlewareFunc {
	return require(func(p *Principal) bool { return p.Superuser }, "superuser required")
}

// RequireGroupAdmin admits superusers and administrators of at least one group.
// Handlers still check the specific group being changed.
func RequireGroupAdmin() echo.MiddlewareFunc {
	return require((*Principal).IsGroupAdminAnywhere, "group administrator required")
}

// RequireWebviewer admits users allowed to browse data through the web API.
func RequireWebviewer() echo.MiddlewareFunc {
	return require((*Principal).MayUseWebviewer, "web viewer access required")
}
