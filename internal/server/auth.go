package server

import (
	"crypto/subtle"
	"strings"

	"github.com/labstack/echo/v4"

	"modgate/internal/core"
)

// Authenticate validates the Bearer token against the configured gateway
// key using a constant-time comparison. An empty key disables the check.
func Authenticate(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key == "" {
				return next(c)
			}

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return core.NewAuthError("missing authorization header")
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				return core.NewAuthError("authorization header must be 'Bearer <key>'")
			}

			if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
				return core.NewAuthError("invalid api key")
			}
			return next(c)
		}
	}
}
