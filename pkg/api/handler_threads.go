package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/orbitd/orbit/pkg/auth"
	"github.com/orbitd/orbit/pkg/models"
	"github.com/orbitd/orbit/pkg/store"
)

// threadEventsHandler handles GET /threads/:id/events: the replay stream as
// application/x-ndjson, one stored event per line, ordered by insertion id.
func (s *Server) threadEventsHandler(c *echo.Context, _ auth.Context) error {
	threadID := c.Param("id")
	if threadID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "thread id is required")
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	order := store.OrderAsc
	switch c.QueryParam("order") {
	case "", "asc":
	case "desc":
		order = store.OrderDesc
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order: must be asc or desc")
	}

	events, err := s.store.ReadEvents(c.Request().Context(), threadID, limit, order)
	if err != nil {
		return mapStoreError(err)
	}

	c.Response().Header().Set("Content-Type", "application/x-ndjson")
	c.Response().WriteHeader(http.StatusOK)
	enc := json.NewEncoder(c.Response())
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

// threadSearchHandler handles GET /api/threads/:id/search?q=….
func (s *Server) threadSearchHandler(c *echo.Context, _ auth.Context) error {
	threadID := c.Param("id")
	query := c.QueryParam("q")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q query parameter is required")
	}

	events, err := s.store.SearchEvents(c.Request().Context(), threadID, query)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"results": events})
}

// threadExportHandler handles GET /api/threads/:id/export?format=json|markdown.
func (s *Server) threadExportHandler(c *echo.Context, _ auth.Context) error {
	threadID := c.Param("id")

	var format store.ExportFormat
	switch c.QueryParam("format") {
	case "", "json":
		format = store.ExportJSON
		c.Response().Header().Set("Content-Type", "application/json")
	case "markdown":
		format = store.ExportMarkdown
		c.Response().Header().Set("Content-Type", "text/markdown; charset=utf-8")
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid format: must be json or markdown")
	}

	c.Response().WriteHeader(http.StatusOK)
	return s.store.ExportThread(c.Request().Context(), threadID, format, c.Response())
}

// threadImportHandler handles POST /api/threads/import: re-ingests a JSON
// export under a freshly minted thread id.
func (s *Server) threadImportHandler(c *echo.Context, _ auth.Context) error {
	var events []models.StoredEvent
	if err := json.NewDecoder(c.Request().Body).Decode(&events); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be a JSON array of events")
	}
	if len(events) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no events to import")
	}

	threadID, err := s.store.ImportEvents(c.Request().Context(), events)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"threadId": threadID, "imported": len(events)})
}

// ArchiveRequest is the body of PATCH /api/threads/:id/archive.
type ArchiveRequest struct {
	Archived bool `json:"archived"`
}

// threadArchiveHandler handles PATCH /api/threads/:id/archive.
func (s *Server) threadArchiveHandler(c *echo.Context, _ auth.Context) error {
	threadID := c.Param("id")
	if threadID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "thread id is required")
	}

	req := ArchiveRequest{Archived: true}
	if c.Request().Body != nil {
		// An absent or empty body archives; {"archived": false} restores.
		_ = json.NewDecoder(c.Request().Body).Decode(&req)
	}

	if err := s.store.SetThreadArchived(c.Request().Context(), threadID, req.Archived); err != nil {
		return mapStoreError(err)
	}
	md, err := s.store.ThreadMetadata(c.Request().Context(), threadID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, md)
}
