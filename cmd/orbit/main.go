// Orbit server — bridges UI clients to AI agent subprocesses over a single
// authenticated WebSocket surface, normalizes their event streams, and
// persists a replayable event log.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/orbitd/orbit/pkg/api"
	"github.com/orbitd/orbit/pkg/approval"
	"github.com/orbitd/orbit/pkg/auth"
	"github.com/orbitd/orbit/pkg/cleanup"
	"github.com/orbitd/orbit/pkg/config"
	"github.com/orbitd/orbit/pkg/masking"
	"github.com/orbitd/orbit/pkg/models"
	"github.com/orbitd/orbit/pkg/normalize"
	"github.com/orbitd/orbit/pkg/provider"
	"github.com/orbitd/orbit/pkg/provider/acp"
	"github.com/orbitd/orbit/pkg/provider/httpagent"
	"github.com/orbitd/orbit/pkg/ratelimit"
	"github.com/orbitd/orbit/pkg/relay"
	"github.com/orbitd/orbit/pkg/store"
	"github.com/orbitd/orbit/pkg/titles"
	"github.com/orbitd/orbit/pkg/uploads"
	"github.com/orbitd/orbit/pkg/version"
)

func main() {
	defaultCfg, _ := config.DefaultPath()
	configPath := flag.String("config", defaultCfg, "Path to the config file")
	flag.Parse()

	// Load .env beside the config file; absence is fine.
	if *configPath != "" {
		envPath := filepath.Join(filepath.Dir(*configPath), ".env")
		if err := godotenv.Load(envPath); err == nil {
			slog.Info("Loaded environment", "path", envPath)
		}
	}

	// 1. Initialize configuration. A missing token or unparseable file is
	// fatal.
	cfgStore, err := config.Initialize(*configPath)
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Fprintln(os.Stderr, cfgErr.Error())
		} else {
			fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		}
		os.Exit(1)
	}
	cfg := cfgStore.Snapshot()

	// 2. Logging with secret redaction: the legacy token and any 64-hex
	// string never reach the log stream.
	masker := masking.NewMasker(cfg.Token)
	logger := slog.New(masking.NewRedactingHandler(
		slog.NewTextHandler(os.Stderr, nil), masker))
	slog.SetDefault(logger)

	logger.Info("Starting Orbit",
		"version", version.Full(),
		"host", cfg.Host,
		"port", cfg.Port,
		"config", *configPath)

	ctx := context.Background()

	// 3. Open the event store.
	st, err := store.Open(ctx, cfg.DB)
	if err != nil {
		logger.Error("Failed to open event store", "db", cfg.DB, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Error closing event store", "error", err)
		}
	}()
	logger.Info("Event store ready", "db", cfg.DB)

	// 4. Auth, rate limits, titles, uploads.
	authn := auth.New(cfgStore, st)
	limiter := ratelimit.New(map[string]ratelimit.Rule{
		api.ScopePairNew:   {Max: 6, Window: time.Minute},
		api.ScopeUploadNew: {Max: 30, Window: time.Minute},
	})
	titleStore := titles.NewStore(filepath.Join(filepath.Dir(cfg.DB), "titles.json"))

	uploadTTL := time.Duration(cfg.UploadRetentionDays) * 24 * time.Hour
	uploadMgr := uploads.New(st, cfg.UploadDir, uploadTTL, logger)
	if err := uploadMgr.EnsureDir(); err != nil {
		logger.Warn("Upload directory unavailable", "dir", cfg.UploadDir, "error", err)
	}

	// 5. Approvals, registry, relay, normalizer.
	approvals := approval.New(logger)
	registry := provider.NewRegistry(logger)
	rel := relay.New(logger, st, titleStore, registry, approvals, cfg.DefaultProvider)

	normalizer := normalize.New(logger, func(ev models.NormalizedEvent) {
		threadID := models.ThreadID(ev.Provider, cfg.DefaultProvider, ev.SessionID)
		rel.PublishEvent(context.Background(), threadID, ev)
	})

	// 6. Register provider adapters. The default provider is on unless
	// disabled; every other configured provider is opt-in. Adapters whose
	// backend cannot start come up degraded, never fatal.
	registerAdapters(cfgStore, registry, rel, normalizer, logger)
	registry.StartAll(ctx)
	defer func() {
		for _, a := range registry.List() {
			approvals.CancelAdapter(a.ID())
		}
		registry.StopAll()
	}()

	// 7. Retention loops.
	janitor := cleanup.NewService(st, uploadMgr, cfg.RetentionDays,
		time.Duration(cfg.UploadPruneIntervalHours)*time.Hour, logger)
	janitor.Start(ctx)
	defer janitor.Stop()

	// 8. HTTP server.
	httpServer := api.NewServer(logger, cfgStore, st, authn, limiter, rel, registry, uploadMgr)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	logger.Info("Orbit started", "default_provider", cfg.DefaultProvider)

	// 9. Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: drain HTTP, close sockets, flush the
	// normalizer, then the deferred registry/janitor/store teardown runs.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	rel.CloseAll("server shutting down")
	normalizer.Stop()
	approvals.Stop()

	logger.Info("Shutdown complete")
}

// registerAdapters wires one adapter per enabled provider: subprocess ACP
// for executablePath configs (and the default provider), HTTP/SSE for url
// configs. Every adapter feeds the normalizer and surfaces approvals
// through the relay.
func registerAdapters(
	cfgStore *config.Store,
	registry *provider.Registry,
	rel *relay.Relay,
	normalizer *normalize.Normalizer,
	logger *slog.Logger,
) {
	cfg := cfgStore.Snapshot()

	ids := make([]string, 0, len(cfg.Providers)+1)
	if _, ok := cfg.Providers[cfg.DefaultProvider]; !ok {
		ids = append(ids, cfg.DefaultProvider)
	}
	for id := range cfg.Providers {
		ids = append(ids, id)
	}

	sink := func(providerID string) provider.UpdateHandler {
		return func(sessionID, turnID string, raw []byte) {
			u, err := normalize.ParseUpdate(raw)
			if err != nil {
				logger.Debug("unparseable session update dropped",
					"provider", providerID, "session_id", sessionID, "error", err)
				return
			}
			normalizer.Process(providerID, sessionID, turnID, u)
		}
	}

	for _, id := range ids {
		if !cfgStore.ProviderEnabled(id) {
			continue
		}
		pc, _ := cfgStore.Provider(id)
		providerID := id

		registry.Register(providerID, func(string) (provider.Adapter, error) {
			var adapter provider.Adapter
			if pc.URL != "" {
				adapter = httpagent.New(providerID, pc, logger,
					httpagent.WithUpdateSink(sink(providerID)))
			} else {
				adapter = acp.New(providerID, pc, logger,
					acp.WithUpdateSink(sink(providerID)))
			}
			adapter.OnApprovalRequest(func(req provider.ApprovalRequest) {
				rel.HandleApprovalRequest(adapter, req)
			})
			return adapter, nil
		})
	}
}
