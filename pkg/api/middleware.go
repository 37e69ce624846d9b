package api

import (
	"errors"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/orbitd/orbit/pkg/auth"
	"github.com/orbitd/orbit/pkg/models"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// bearerToken extracts the presented token from the Authorization header or
// the token query parameter.
func bearerToken(c *echo.Context) string {
	if h := c.Request().Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return c.QueryParam("token")
}

// resolveAuth authenticates the request's bearer token.
func (s *Server) resolveAuth(c *echo.Context) (auth.Context, error) {
	actx, err := s.auth.Resolve(c.Request().Context(), bearerToken(c))
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			return auth.Context{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid or revoked token")
		}
		s.logger.Error("token resolution failed", "error", err)
		return auth.Context{}, echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	return actx, nil
}

// authed wraps a handler with bearer authentication. Any valid token,
// including read-only ones, is admitted.
func (s *Server) authed(h func(c *echo.Context, actx auth.Context) error) echo.HandlerFunc {
	return func(c *echo.Context) error {
		actx, err := s.resolveAuth(c)
		if err != nil {
			return err
		}
		return h(c, actx)
	}
}

// authedWrite additionally rejects read-only tokens.
func (s *Server) authedWrite(h func(c *echo.Context, actx auth.Context) error) echo.HandlerFunc {
	return func(c *echo.Context) error {
		actx, err := s.resolveAuth(c)
		if err != nil {
			return err
		}
		if actx.Scope == models.ScopeReadOnly {
			return echo.NewHTTPError(http.StatusUnauthorized, "read-only token cannot perform writes")
		}
		return h(c, actx)
	}
}

// rateKey derives the limiter key for a request: forwarded client IP when
// present, plus the last 8 bytes of the bearer token, falling back to a
// user-agent prefix.
func rateKey(c *echo.Context) string {
	var parts []string
	if ip := c.Request().Header.Get("X-Forwarded-For"); ip != "" {
		if i := strings.IndexByte(ip, ','); i > 0 {
			ip = ip[:i]
		}
		parts = append(parts, strings.TrimSpace(ip))
	}
	if tok := bearerToken(c); len(tok) >= 8 {
		parts = append(parts, tok[len(tok)-8:])
	} else if tok != "" {
		parts = append(parts, tok)
	}
	if len(parts) == 0 {
		ua := c.Request().UserAgent()
		if len(ua) > 32 {
			ua = ua[:32]
		}
		parts = append(parts, ua)
	}
	return strings.Join(parts, "|")
}
