package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets hardening headers on every response. GET requests
// whose path contains one of inlinePaths serve stored files that the web
// client shows in an iframe; for those the frame policy allows
// frameAncestors instead of denying all framing.
func SecurityHeaders(frameAncestors []string, inlinePaths ...string) echo.MiddlewareFunc {
	ancestors := "'self'"
	if len(frameAncestors) > 0 {
		ancestors += " " + strings.Join(frameAncestors, " ")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-XSS-Protection", "0")
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			// responses carry patient data
			h.Set("Cache-Control", "no-store")

			if isInline(c.Request(), inlinePaths) {
				h.Set("Content-Security-Policy", "default-src 'none'; img-src 'self'; frame-ancestors "+ancestors)
			} else {
				h.Set("X-Frame-Options", "DENY")
				h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}
			return next(c)
		}
	}
}

func isInline(req *http.Request, paths []string) bool {
	if req.Method != http.MethodGet {
		return false
	}
	for _, p := range paths {
		if strings.Contains(req.URL.Path, p) {
			return true
		}
	}
	return false
}
