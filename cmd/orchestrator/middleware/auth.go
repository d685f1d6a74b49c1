// Package middleware holds the orchestrator's HTTP middleware.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// DevAuth enforces a static bearer token on /api routes. An empty token
// disables auth entirely, which is the development default. Health and
// meta endpoints stay open either way.
func DevAuth(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return next(c)
			}
			path := c.Path()
			if path == "/health" || strings.HasPrefix(path, "/api/v1/meta") {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			presented, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]any{
					"error": "missing or invalid bearer token",
				})
			}
			return next(c)
		}
	}
}
