package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os/exec"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/orbitd/orbit/pkg/auth"
)

// cliRunTimeout bounds one bridged CLI invocation.
const cliRunTimeout = 30 * time.Second

// cliOutputLimit truncates bridged CLI output.
const cliOutputLimit = 64 << 10 // 64 KiB

// cliAllowList is the fixed set of argv prefixes the bridge will execute.
// Anything else is rejected before exec.
var cliAllowList = [][]string{
	{"codex", "login", "status"},
	{"codex", "--version"},
	{"tailscale", "status"},
	{"tailscale", "ip"},
}

// CLIRunRequest is the body of POST /admin/cli/run.
type CLIRunRequest struct {
	Argv []string `json:"argv"`
}

// CLIRunResponse is the bridged command's outcome.
type CLIRunResponse struct {
	ExitCode  int    `json:"exit_code"`
	Output    string `json:"output"`
	Truncated bool   `json:"truncated,omitempty"`
}

func cliAllowed(argv []string) bool {
	for _, prefix := range cliAllowList {
		if len(argv) < len(prefix) {
			continue
		}
		match := true
		for i, p := range prefix {
			if argv[i] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// cliRunHandler handles POST /admin/cli/run.
func (s *Server) cliRunHandler(c *echo.Context, _ auth.Context) error {
	var req CLIRunRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Argv) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "argv is required")
	}
	if !cliAllowed(req.Argv) {
		return echo.NewHTTPError(http.StatusForbidden, "command not on the allow list")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), cliRunTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Argv[0], req.Argv[1:]...)
	out, err := cmd.CombinedOutput()

	resp := CLIRunResponse{Output: string(out)}
	if len(resp.Output) > cliOutputLimit {
		resp.Output = resp.Output[:cliOutputLimit]
		resp.Truncated = true
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			resp.ExitCode = exitErr.ExitCode()
		} else {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	s.logger.Info("bridged cli invocation", "argv", req.Argv, "exit_code", resp.ExitCode)
	return c.JSON(http.StatusOK, resp)
}
