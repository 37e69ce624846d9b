// Package cleanup enforces retention: old event rows are pruned on a fixed
// cadence and expired uploads on a configurable one.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/orbitd/orbit/pkg/store"
	"github.com/orbitd/orbit/pkg/uploads"
)

// EventPruneInterval is the cadence of the event retention sweep.
const EventPruneInterval = 6 * time.Hour

// Service runs the retention loops. All sweeps are idempotent.
type Service struct {
	store         *store.Store
	uploads       *uploads.Manager
	retentionDays int
	uploadEvery   time.Duration
	eventEvery    time.Duration
	logger        *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the retention service. uploadEvery controls the upload
// sweep cadence; events sweep every EventPruneInterval.
func NewService(st *store.Store, up *uploads.Manager, retentionDays int, uploadEvery time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:         st,
		uploads:       up,
		retentionDays: retentionDays,
		uploadEvery:   uploadEvery,
		eventEvery:    EventPruneInterval,
		logger:        logger,
	}
}

// Start launches the background loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("retention service started",
		"retention_days", s.retentionDays,
		"event_interval", s.eventEvery,
		"upload_interval", s.uploadEvery)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.pruneEvents(ctx)
	s.pruneUploads(ctx)

	eventTicker := time.NewTicker(s.eventEvery)
	defer eventTicker.Stop()
	uploadTicker := time.NewTicker(s.uploadEvery)
	defer uploadTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-eventTicker.C:
			s.pruneEvents(ctx)
		case <-uploadTicker.C:
			s.pruneUploads(ctx)
		}
	}
}

func (s *Service) pruneEvents(ctx context.Context) {
	count, err := s.store.PruneEvents(ctx, s.retentionDays)
	if err != nil {
		s.logger.Error("retention: event prune failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("retention: pruned old events", "count", count)
	}
}

func (s *Service) pruneUploads(ctx context.Context) {
	if s.uploads == nil {
		return
	}
	if _, err := s.uploads.Prune(ctx); err != nil {
		s.logger.Error("retention: upload prune failed", "error", err)
	}
}
