package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/camcops/camcops/internal/platform/session"
)

type contextKey string

// ErrUnknownUser is returned by a PrincipalLoader when the user no longer exists.
var ErrUnknownUser = errors.New("unknown user")

// PrincipalLoader resolves a user id to a Principal with permissions.
type PrincipalLoader interface {
	LoadPrincipal(ctx context.Context, userID int64) (*Principal, error)
}

type Config struct {
	CookieName string
	Sessions   session.Store
	SigningKey []byte
	Loader     PrincipalLoader
	// DevMode admits unauthenticated requests as the superuser "dev".
	DevMode bool
	Skipper func(echo.Context) bool
	Logger  zerolog.Logger
}

// DevPrincipal is the identity used for unauthenticated requests in
// development mode.
func DevPrincipal() *Principal {
	return &Principal{UserID: 0, Username: "dev", Superuser: true}
}

// Middleware authenticates the request from the session cookie, falling back
// to an Authorization bearer token. The resulting Principal is loaded once
// and stored on the request context for the rest of the request.
func Middleware(cfg Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			ctx := c.Request().Context()
			userID, found, err := identify(ctx, c, cfg)
			if err != nil {
				return err
			}

			var p *Principal
			switch {
			case found:
				p, err = cfg.Loader.LoadPrincipal(ctx, userID)
				if errors.Is(err, ErrUnknownUser) {
					return echo.NewHTTPError(http.StatusUnauthorized, "unknown user")
				}
				if err != nil {
					cfg.Logger.Error().Err(err).Int64("user_id", userID).Msg("load principal")
					return echo.NewHTTPError(http.StatusInternalServerError, "failed to load user")
				}
			case cfg.DevMode:
				p = DevPrincipal()
			default:
				return echo.NewHTTPError(http.StatusUnauthorized, "not logged in")
			}

			c.SetRequest(c.Request().WithContext(WithPrincipal(ctx, p)))
			c.Set("principal", p)
			return next(c)
		}
	}
}

func identify(ctx context.Context, c echo.Context, cfg Config) (int64, bool, error) {
	if cfg.Sessions != nil && cfg.CookieName != "" {
		if cookie, err := c.Cookie(cfg.CookieName); err == nil && cookie.Value != "" {
			id, token, err := session.ParseCookieValue(cookie.Value)
			if err == nil {
				s, err := cfg.Sessions.Get(ctx, id, token)
				if err == nil {
					if err := cfg.Sessions.Touch(ctx, id); err != nil {
						cfg.Logger.Warn().Err(err).Msg("touch session")
					}
					c.Set("session_id", s.ID)
					return s.UserID, true, nil
				}
				if !errors.Is(err, session.ErrNotFound) {
					cfg.Logger.Error().Err(err).Msg("session lookup")
					return 0, false, echo.NewHTTPError(http.StatusServiceUnavailable, "session store unavailable")
				}
			}
		}
	}

	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return 0, false, nil
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return 0, false, echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	if len(cfg.SigningKey) == 0 {
		return 0, false, echo.NewHTTPError(http.StatusUnauthorized, "bearer tokens are not enabled")
	}
	uid, err := ParseToken(cfg.SigningKey, parts[1])
	if err != nil {
		return 0, false, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	return uid, true, nil
}
