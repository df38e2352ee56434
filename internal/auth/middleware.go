package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey struct{}

const actorKey = "actor"

// WithActor stores actor on ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, actor)
}

// ActorFromContext returns the actor a request was authenticated as.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(contextKey{}).(Actor)
	return actor, ok
}

// ActorFrom reads the actor set by Middleware on an echo context.
func ActorFrom(c echo.Context) (Actor, bool) {
	actor, ok := c.Get(actorKey).(Actor)
	return actor, ok
}

// Middleware requires a valid bearer token. When dev is non-nil, requests
// without an Authorization header run as that actor instead.
func Middleware(secret []byte, dev *Actor) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" && dev != nil {
				return next(withActor(c, *dev))
			}
			if header == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			actor, err := ParseToken(secret, strings.TrimSpace(parts[1]))
			if errors.Is(err, ErrExpiredToken) {
				return echo.NewHTTPError(http.StatusUnauthorized, "token expired")
			}
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			return next(withActor(c, actor))
		}
	}
}

func withActor(c echo.Context, actor Actor) echo.Context {
	c.Set(actorKey, actor)
	c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), actor)))
	return c
}
