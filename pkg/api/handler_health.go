package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/orbitd/orbit/pkg/version"
)

// HealthResponse is returned by GET /health. Safe for unauthenticated
// access: no tokens, no thread data, only liveness facts.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	AnchorRunning bool   `json:"anchor_running"`
	Clients       int    `json:"clients"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	cfg := s.cfg.Snapshot()
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:        "ok",
		Version:       version.Full(),
		Host:          cfg.Host,
		Port:          cfg.Port,
		AnchorRunning: s.relay.AnchorConnected(),
		Clients:       s.relay.ClientCount(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}
