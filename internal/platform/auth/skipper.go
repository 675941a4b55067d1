package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication: health checks and metrics.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// AuthSkipper returns true for requests whose route should skip
// authentication. Use it as JWTConfig.Skipper.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path bypasses authentication.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
