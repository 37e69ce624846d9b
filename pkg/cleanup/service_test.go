package cleanup

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitd/orbit/pkg/models"
	"github.com/orbitd/orbit/pkg/store"
	"github.com/orbitd/orbit/pkg/uploads"
)

func newTestDeps(t *testing.T) (*store.Store, *uploads.Manager) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "orbit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	up := uploads.New(st, filepath.Join(dir, "uploads"), -time.Minute, slog.Default())
	return st, up
}

func TestInitialSweepRunsOnStart(t *testing.T) {
	st, up := newTestDeps(t)
	ctx := context.Background()

	// An already-expired upload with a backing file.
	ut, err := up.Mint(ctx, "text/plain")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(up.Dir(), 0o700))
	require.NoError(t, os.WriteFile(ut.LocalPath, []byte("stale"), 0o600))

	svc := NewService(st, up, 30, time.Hour, slog.Default())
	svc.Start(ctx)
	defer svc.Stop()

	assert.Eventually(t, func() bool {
		_, statErr := os.Stat(ut.LocalPath)
		return os.IsNotExist(statErr)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartStopIdempotent(t *testing.T) {
	st, up := newTestDeps(t)

	svc := NewService(st, up, 30, time.Hour, slog.Default())
	svc.Start(context.Background())
	svc.Start(context.Background())
	svc.Stop()
	svc.Stop()
}

func TestPruneEventsKeepsRecentRows(t *testing.T) {
	st, _ := newTestDeps(t)
	ctx := context.Background()

	_, err := st.AppendEvent(ctx, models.StoredEvent{
		ThreadID:  "abc",
		Direction: models.DirectionClient,
		Role:      models.RoleClient,
		Method:    "turn/start",
		Payload:   json.RawMessage(`{"text":"hello"}`),
		CreatedAt: time.Now().Unix(),
	})
	require.NoError(t, err)

	svc := NewService(st, nil, 30, time.Hour, slog.Default())
	svc.pruneEvents(ctx)

	events, err := st.ReadEvents(ctx, "abc", 0, store.OrderAsc)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
