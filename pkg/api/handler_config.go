package api

import (
	"encoding/json"
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/orbitd/orbit/pkg/auth"
	"github.com/orbitd/orbit/pkg/config"
)

// configProvidersHandler handles GET /api/config/providers. API keys are
// masked in the rendered view.
func (s *Server) configProvidersHandler(c *echo.Context, _ auth.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"providers": s.cfg.ProvidersView()})
}

// ConfigProvidersPatch is the body of PATCH /api/config/providers.
type ConfigProvidersPatch struct {
	Providers map[string]config.ProviderConfig `json:"providers"`
}

// configProvidersPatchHandler handles PATCH /api/config/providers: a partial
// provider map merged over the stored one, validated, and persisted. Enabling
// or reconfiguring an adapter takes effect on the next restart.
func (s *Server) configProvidersPatchHandler(c *echo.Context, _ auth.Context) error {
	var patch ConfigProvidersPatch
	if err := json.NewDecoder(c.Request().Body).Decode(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(patch.Providers) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "providers map is required")
	}

	if err := s.cfg.MergeProviders(patch.Providers); err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			return echo.NewHTTPError(http.StatusBadRequest, cfgErr.Error())
		}
		s.logger.Error("provider config merge failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to persist config")
	}

	return c.JSON(http.StatusOK, map[string]any{"providers": s.cfg.ProvidersView()})
}
