package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type route struct{ method, path string }

// publicRoutes need no session: probes, metrics and the two ways of
// logging in.
var publicRoutes = map[route]bool{
	{http.MethodGet, "/health"}:        true,
	{http.MethodGet, "/health/db"}:     true,
	{http.MethodGet, "/metrics"}:       true,
	{http.MethodPost, "/api/v1/login"}: true,
	{http.MethodPost, "/api/v1/token"}: true,
}

// AuthSkipper reports whether the matched route is public.
func AuthSkipper(c echo.Context) bool {
	return IsPublic(c.Request().Method, c.Path())
}

// IsPublic reports whether method on the route pattern path is public.
func IsPublic(method, path string) bool {
	return publicRoutes[route{method, path}]
}
