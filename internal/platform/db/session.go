package db

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	DBConnKey contextKey = "db_conn"
	txKey     contextKey = "db_tx"
)

// SessionMiddleware acquires one pooled connection per request and releases
// it when the handler returns. Repositories pick it up via Conn.
func SessionMiddleware(pool *pgxpool.Pool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("db", conn)

			return next(c)
		}
	}
}

// ConnFromContext retrieves the request-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// Detach returns a context without the request connection or transaction,
// so repositories fall back to the pool. Goroutines running queries
// concurrently must use it: a single connection cannot be shared.
func Detach(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, DBConnKey, (*pgxpool.Conn)(nil))
	return context.WithValue(ctx, txKey, nil)
}
