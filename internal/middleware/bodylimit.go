package middleware

import (
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// BodyLimit rejects request bodies larger than maxBytes with 413. Requests
// under any of skipPaths are let through; their handlers enforce the limit
// themselves once they have validated the request.
func BodyLimit(maxBytes int64, skipPaths ...string) echo.MiddlewareFunc {
	if maxBytes <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}

	return echomw.BodyLimitWithConfig(echomw.BodyLimitConfig{
		Limit: fmt.Sprintf("%dB", maxBytes),
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			for _, p := range skipPaths {
				if path == p || strings.HasPrefix(path, p+"/") {
					return true
				}
			}
			return false
		},
	})
}
