package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/orbitd/orbit/pkg/auth"
	"github.com/orbitd/orbit/pkg/metrics"
	"github.com/orbitd/orbit/pkg/models"
	"github.com/orbitd/orbit/pkg/relay"
)

// StatusResponse is returned by GET /admin/status.
type StatusResponse struct {
	AnchorConnected  bool                    `json:"anchor_connected"`
	Anchors          []relay.AnchorInfo      `json:"anchors"`
	AnchorAuth       json.RawMessage         `json:"anchor_auth,omitempty"`
	Providers        []models.ProviderHealth `json:"providers"`
	Counters         map[string]int64        `json:"counters"`
	Clients          int                     `json:"clients"`
	PendingApprovals int                     `json:"pending_approvals"`
	TokenSessions    TokenSessionStats       `json:"token_sessions"`
}

// TokenSessionStats summarizes the per-device token population.
type TokenSessionStats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Revoked int `json:"revoked"`
}

// adminStatusHandler handles GET /admin/status.
func (s *Server) adminStatusHandler(c *echo.Context, _ auth.Context) error {
	resp := StatusResponse{
		AnchorConnected:  s.relay.AnchorConnected(),
		Anchors:          s.relay.Anchors(),
		AnchorAuth:       s.relay.AnchorAuthState(),
		Providers:        s.reg.HealthAll(),
		Counters:         metrics.Snapshot(),
		Clients:          s.relay.ClientCount(),
		PendingApprovals: s.relay.PendingApprovals(),
	}

	sessions, err := s.auth.Sessions(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	resp.TokenSessions.Total = len(sessions)
	for _, ts := range sessions {
		if ts.RevokedAt != nil {
			resp.TokenSessions.Revoked++
		} else {
			resp.TokenSessions.Active++
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// ValidateCheck is one self-check result.
type ValidateCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// adminValidateHandler handles GET /admin/validate: non-mutating self-checks
// over the database, the upload directory, the anchor, and the adapters.
func (s *Server) adminValidateHandler(c *echo.Context, _ auth.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]ValidateCheck)
	ok := true

	if err := s.store.Health(reqCtx); err != nil {
		ok = false
		checks["database"] = ValidateCheck{Status: "fail", Message: err.Error()}
	} else {
		checks["database"] = ValidateCheck{Status: "pass"}
	}

	checks["upload_dir"] = s.checkUploadDir()
	if checks["upload_dir"].Status == "fail" {
		ok = false
	}

	if s.relay.AnchorConnected() {
		checks["anchor"] = ValidateCheck{Status: "pass"}
	} else {
		checks["anchor"] = ValidateCheck{Status: "warn", Message: "no anchor connected"}
	}

	for _, h := range s.reg.HealthAll() {
		check := ValidateCheck{Status: "pass"}
		if h.Status == models.HealthUnhealthy {
			check = ValidateCheck{Status: "fail", Message: h.Message}
			ok = false
		} else if h.Status != models.HealthHealthy {
			check = ValidateCheck{Status: "warn", Message: h.Message}
		}
		checks["provider:"+h.Provider] = check
	}

	status := "pass"
	if !ok {
		status = "fail"
	}
	return c.JSON(http.StatusOK, map[string]any{"status": status, "checks": checks})
}

// checkUploadDir probes that the upload directory is writable without
// leaving anything behind.
func (s *Server) checkUploadDir() ValidateCheck {
	if s.uploads == nil {
		return ValidateCheck{Status: "warn", Message: "uploads disabled"}
	}
	probe := filepath.Join(s.uploads.Dir(), ".probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return ValidateCheck{Status: "fail", Message: err.Error()}
	}
	_ = os.Remove(probe)
	return ValidateCheck{Status: "pass"}
}

// RepairRequest is the body of POST /admin/repair.
type RepairRequest struct {
	Action string `json:"action"`
}

// adminRepairHandler handles POST /admin/repair. Only whitelisted, safe
// actions are executed; repairs owned by the installer or supervisor are
// acknowledged without doing anything here.
func (s *Server) adminRepairHandler(c *echo.Context, _ auth.Context) error {
	var req RepairRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	switch req.Action {
	case "ensureUploadDir":
		if s.uploads == nil {
			return echo.NewHTTPError(http.StatusConflict, "uploads disabled")
		}
		if err := s.uploads.EnsureDir(); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, map[string]any{"action": req.Action, "result": "done"})

	case "pruneUploads":
		if s.uploads == nil {
			return echo.NewHTTPError(http.StatusConflict, "uploads disabled")
		}
		n, err := s.uploads.Prune(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, map[string]any{"action": req.Action, "result": "done", "pruned": n})

	case "startAnchor", "fixTailscaleServe":
		// Owned by the installer/supervisor process, not the server.
		return c.JSON(http.StatusOK, map[string]any{
			"action": req.Action,
			"result": "acknowledged",
			"note":   "handled by the supervisor, not the server",
		})

	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown repair action: "+req.Action)
	}
}
