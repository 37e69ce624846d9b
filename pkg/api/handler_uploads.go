package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/orbitd/orbit/pkg/auth"
)

// UploadNewRequest is the body of POST /uploads/new.
type UploadNewRequest struct {
	Mime string `json:"mime"`
}

// uploadNewHandler handles POST /uploads/new: mints an upload token for one
// slot of the declared mime type. Rate-limited per caller.
func (s *Server) uploadNewHandler(c *echo.Context, _ auth.Context) error {
	if s.uploads == nil {
		return echo.NewHTTPError(http.StatusConflict, "uploads disabled")
	}
	if ok, retryAfter := s.limiter.Allow(ScopeUploadNew, rateKey(c)); !ok {
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many upload requests")
	}

	var req UploadNewRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ut, err := s.uploads.Mint(c.Request().Context(), req.Mime)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"token":      ut.Token,
		"url":        "/u/" + ut.Token,
		"expires_at": ut.ExpiresAt,
	})
}

// uploadPutHandler handles PUT /uploads/:token. The request's Content-Type
// must match the mime the token was minted for.
func (s *Server) uploadPutHandler(c *echo.Context, _ auth.Context) error {
	if s.uploads == nil {
		return echo.NewHTTPError(http.StatusConflict, "uploads disabled")
	}

	token := c.Param("token")
	contentType := c.Request().Header.Get("Content-Type")
	n, err := s.uploads.Put(c.Request().Context(), token, contentType, c.Request().Body)
	if err != nil {
		return mapUploadError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"bytes": n})
}

// uploadServeHandler handles GET /u/:token. The token itself is the
// capability; no bearer auth applies. Serves until the token expires.
func (s *Server) uploadServeHandler(c *echo.Context) error {
	if s.uploads == nil {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}

	rc, mime, err := s.uploads.Open(c.Request().Context(), c.Param("token"))
	if err != nil {
		return mapUploadError(err)
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Type", mime)
	c.Response().Header().Set("Cache-Control", "private, no-store")
	c.Response().WriteHeader(http.StatusOK)
	_, err = io.Copy(c.Response(), rc)
	return err
}
