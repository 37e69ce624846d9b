package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/orbitd/orbit/pkg/auth"
	"github.com/orbitd/orbit/pkg/models"
)

// tokenRotateHandler handles POST /admin/token/rotate. The new legacy token
// replaces the old in memory and on disk, every live socket is closed, and
// all outstanding pairing codes become invalid.
func (s *Server) tokenRotateHandler(c *echo.Context, _ auth.Context) error {
	next, err := s.auth.Rotate()
	if err != nil {
		s.logger.Error("token rotation failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to rotate token")
	}

	s.relay.CloseAll("token rotated")
	s.logger.Info("legacy token rotated, sockets closed")
	return c.JSON(http.StatusOK, map[string]string{"token": next})
}

// tokenSessionsHandler handles GET /admin/token/sessions.
func (s *Server) tokenSessionsHandler(c *echo.Context, _ auth.Context) error {
	sessions, err := s.auth.Sessions(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

// TokenSessionNewRequest is the body of POST /admin/token/sessions/new.
type TokenSessionNewRequest struct {
	Label string `json:"label"`
	Mode  string `json:"mode"`
}

func parseScope(mode string) (models.Scope, error) {
	switch mode {
	case "", string(models.ScopeFull):
		return models.ScopeFull, nil
	case string(models.ScopeReadOnly):
		return models.ScopeReadOnly, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be full or read_only", mode)
	}
}

// tokenSessionNewHandler handles POST /admin/token/sessions/new. The raw
// token appears in this response exactly once.
func (s *Server) tokenSessionNewHandler(c *echo.Context, _ auth.Context) error {
	var req TokenSessionNewRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	mode, err := parseScope(req.Mode)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	raw, ts, err := s.auth.MintSession(c.Request().Context(), req.Label, mode)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"token": raw, "session": ts})
}

// TokenSessionRevokeRequest is the body of POST /admin/token/sessions/revoke.
type TokenSessionRevokeRequest struct {
	ID string `json:"id"`
}

// tokenSessionRevokeHandler handles POST /admin/token/sessions/revoke.
func (s *Server) tokenSessionRevokeHandler(c *echo.Context, _ auth.Context) error {
	var req TokenSessionRevokeRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}
	if err := s.auth.Revoke(c.Request().Context(), req.ID); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "revoked"})
}

// PairNewRequest is the body of POST /admin/pair/new.
type PairNewRequest struct {
	Label string `json:"label"`
	Mode  string `json:"mode"`
}

// pairNewHandler handles POST /admin/pair/new: mints a session token plus a
// short one-time code redeeming to it. Rate-limited per caller.
func (s *Server) pairNewHandler(c *echo.Context, _ auth.Context) error {
	if ok, retryAfter := s.limiter.Allow(ScopePairNew, rateKey(c)); !ok {
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many pairing requests")
	}

	var req PairNewRequest
	if c.Request().Body != nil {
		// An empty body means default label and full scope.
		_ = json.NewDecoder(c.Request().Body).Decode(&req)
	}
	mode, err := parseScope(req.Mode)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Label == "" {
		req.Label = "paired-device"
	}

	code, err := s.auth.NewPairingCode(c.Request().Context(), req.Label, mode)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"code": code})
}

// PairConsumeRequest is the body of POST /pair/consume.
type PairConsumeRequest struct {
	Code string `json:"code"`
}

// pairConsumeHandler handles POST /pair/consume. Unauthenticated by design:
// the code itself is the credential, and it works exactly once.
func (s *Server) pairConsumeHandler(c *echo.Context) error {
	var req PairConsumeRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}

	token, err := s.auth.ConsumePairingCode(c.Request().Context(), strings.ToUpper(req.Code))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "unknown or expired pairing code")
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

// pairQRHandler handles GET /admin/pair/qr.svg?code=… and renders the pair
// URL as an SVG QR code.
func (s *Server) pairQRHandler(c *echo.Context, _ auth.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code query parameter is required")
	}

	cfg := s.cfg.Snapshot()
	pairURL := fmt.Sprintf("orbit://pair?code=%s&host=%s:%d", code, cfg.Host, cfg.Port)

	qr, err := qrcode.New(pairURL, qrcode.Medium)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to build qr code")
	}

	c.Response().Header().Set("Content-Type", "image/svg+xml")
	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().WriteHeader(http.StatusOK)
	_, err = c.Response().Write([]byte(renderQRSVG(qr.Bitmap())))
	return err
}

// renderQRSVG draws the QR bitmap as one SVG rect per dark module, on a
// module-unit coordinate system scaled by the viewer.
func renderQRSVG(bitmap [][]bool) string {
	size := len(bitmap)
	var sb strings.Builder
	fmt.Fprintf(&sb,
		`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d" shape-rendering="crispEdges">`,
		size, size)
	sb.WriteString(`<rect width="100%" height="100%" fill="#ffffff"/>`)
	for y, row := range bitmap {
		for x, dark := range row {
			if dark {
				fmt.Fprintf(&sb, `<rect x="%d" y="%d" width="1" height="1" fill="#000000"/>`, x, y)
			}
		}
	}
	sb.WriteString(`</svg>`)
	return sb.String()
}
