// Package api is the HTTP and WebSocket surface of the Orbit server: health
// and admin endpoints, token and pairing management, thread replay and
// export, uploads, provider configuration, and the two relay WebSocket
// endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/orbitd/orbit/pkg/auth"
	"github.com/orbitd/orbit/pkg/config"
	"github.com/orbitd/orbit/pkg/provider"
	"github.com/orbitd/orbit/pkg/ratelimit"
	"github.com/orbitd/orbit/pkg/relay"
	"github.com/orbitd/orbit/pkg/store"
	"github.com/orbitd/orbit/pkg/uploads"
)

// Rate-limit scope names, matched against the limiter's rules.
const (
	ScopePairNew   = "admin/pair/new"
	ScopeUploadNew = "uploads/new"
)

// Server wires the HTTP surface over the core components.
type Server struct {
	echo    *echo.Echo
	logger  *slog.Logger
	cfg     *config.Store
	store   *store.Store
	auth    *auth.Authenticator
	limiter *ratelimit.Limiter
	relay   *relay.Relay
	reg     *provider.Registry
	uploads *uploads.Manager

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer builds the server and registers all routes.
func NewServer(
	logger *slog.Logger,
	cfg *config.Store,
	st *store.Store,
	authn *auth.Authenticator,
	limiter *ratelimit.Limiter,
	rel *relay.Relay,
	reg *provider.Registry,
	up *uploads.Manager,
) *Server {
	s := &Server{
		echo:      echo.New(),
		logger:    logger,
		cfg:       cfg,
		store:     st,
		auth:      authn,
		limiter:   limiter,
		relay:     rel,
		reg:       reg,
		uploads:   up,
		startedAt: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.Use(securityHeaders())

	// Unauthenticated surface.
	e.GET("/health", s.healthHandler)
	e.POST("/pair/consume", s.pairConsumeHandler)
	e.GET("/u/:token", s.uploadServeHandler)

	// Admin.
	e.GET("/admin/status", s.authed(s.adminStatusHandler))
	e.GET("/admin/validate", s.authed(s.adminValidateHandler))
	e.POST("/admin/repair", s.authedWrite(s.adminRepairHandler))
	e.POST("/admin/cli/run", s.authedWrite(s.cliRunHandler))
	e.POST("/admin/token/rotate", s.authedWrite(s.tokenRotateHandler))
	e.GET("/admin/token/sessions", s.authed(s.tokenSessionsHandler))
	e.POST("/admin/token/sessions/new", s.authedWrite(s.tokenSessionNewHandler))
	e.POST("/admin/token/sessions/revoke", s.authedWrite(s.tokenSessionRevokeHandler))
	e.POST("/admin/pair/new", s.authedWrite(s.pairNewHandler))
	e.GET("/admin/pair/qr.svg", s.authed(s.pairQRHandler))

	// Threads.
	e.GET("/threads/:id/events", s.authed(s.threadEventsHandler))
	e.GET("/api/threads/:id/search", s.authed(s.threadSearchHandler))
	e.GET("/api/threads/:id/export", s.authed(s.threadExportHandler))
	e.POST("/api/threads/import", s.authedWrite(s.threadImportHandler))
	e.PATCH("/api/threads/:id/archive", s.authedWrite(s.threadArchiveHandler))

	// Config.
	e.GET("/api/config/providers", s.authed(s.configProvidersHandler))
	e.PATCH("/api/config/providers", s.authedWrite(s.configProvidersPatchHandler))

	// Uploads.
	e.POST("/uploads/new", s.authedWrite(s.uploadNewHandler))
	e.PUT("/uploads/:token", s.authedWrite(s.uploadPutHandler))

	// WebSockets.
	e.GET("/ws", s.wsClientHandler)
	e.GET("/ws/client", s.wsClientHandler)
	e.GET("/ws/anchor", s.wsAnchorHandler)
}

// Handler exposes the underlying mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr and serves until Shutdown. Blocks.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", "addr", addr)
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
