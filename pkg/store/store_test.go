package store

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitd/orbit/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "orbit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func appendTestEvent(t *testing.T, s *Store, threadID, payload string) int64 {
	t.Helper()
	id, err := s.AppendEvent(context.Background(), models.StoredEvent{
		ThreadID:  threadID,
		Direction: models.DirectionClient,
		Role:      models.RoleClient,
		Method:    "turn/start",
		Payload:   json.RawMessage(payload),
	})
	require.NoError(t, err)
	return id
}

func TestAppendAndReadOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, appendTestEvent(t, s, "th-1", `{"seq":`+string(rune('0'+i))+`}`))
	}
	appendTestEvent(t, s, "th-other", `{"noise":true}`)

	events, err := s.ReadEvents(ctx, "th-1", 0, OrderAsc)
	require.NoError(t, err)
	require.Len(t, events, 5)

	// Exactly once, strictly increasing insertion ids.
	for i, ev := range events {
		assert.Equal(t, ids[i], ev.ID)
		if i > 0 {
			assert.Greater(t, ev.ID, events[i-1].ID)
		}
	}

	desc, err := s.ReadEvents(ctx, "th-1", 2, OrderDesc)
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, ids[4], desc[0].ID)
	assert.Equal(t, ids[3], desc[1].ID)
}

func TestSearchEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendTestEvent(t, s, "th-1", `{"text":"deploy the staging cluster"}`)
	appendTestEvent(t, s, "th-1", `{"text":"check the logs"}`)
	appendTestEvent(t, s, "th-2", `{"text":"deploy production"}`)

	hits, err := s.SearchEvents(ctx, "th-1", "deploy")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, string(hits[0].Payload), "staging")

	// Query syntax characters are treated literally, not as FTS operators.
	_, err = s.SearchEvents(ctx, "th-1", `AND OR "`)
	assert.NoError(t, err)
}

func TestExportImportRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendTestEvent(t, s, "th-rt", `{"text":"hello"}`)
	appendTestEvent(t, s, "th-rt", `{"text":"world","n":2}`)

	var buf bytes.Buffer
	require.NoError(t, s.ExportThread(ctx, "th-rt", ExportJSON, &buf))

	var exported []models.StoredEvent
	require.NoError(t, json.Unmarshal(buf.Bytes(), &exported))
	require.Len(t, exported, 2)

	newThreadID, err := s.ImportEvents(ctx, exported)
	require.NoError(t, err)
	assert.NotEqual(t, "th-rt", newThreadID)

	imported, err := s.ReadEvents(ctx, newThreadID, 0, OrderAsc)
	require.NoError(t, err)
	require.Len(t, imported, 2)
	for i := range imported {
		assert.JSONEq(t, string(exported[i].Payload), string(imported[i].Payload))
	}
}

func TestExportMarkdown(t *testing.T) {
	s := newTestStore(t)
	appendTestEvent(t, s, "th-md", `{"text":"hi"}`)

	var buf bytes.Buffer
	require.NoError(t, s.ExportThread(context.Background(), "th-md", ExportMarkdown, &buf))
	out := buf.String()
	assert.Contains(t, out, "# Thread th-md")
	assert.Contains(t, out, "turn/start")
}

func TestPruneEventsByAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := models.StoredEvent{
		ThreadID:  "th-old",
		Direction: models.DirectionServer,
		Role:      models.RoleAnchor,
		Payload:   json.RawMessage(`{"old":true}`),
		CreatedAt: time.Now().AddDate(0, 0, -40).Unix(),
	}
	_, err := s.AppendEvent(ctx, old)
	require.NoError(t, err)
	appendTestEvent(t, s, "th-old", `{"fresh":true}`)

	count, err := s.PruneEvents(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	remaining, err := s.ReadEvents(ctx, "th-old", 0, OrderAsc)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Contains(t, string(remaining[0].Payload), "fresh")
}

func TestThreadMetadataArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ThreadMetadata(ctx, "th-a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetThreadArchived(ctx, "th-a", true))
	md, err := s.ThreadMetadata(ctx, "th-a")
	require.NoError(t, err)
	assert.True(t, md.Archived)
	require.NotNil(t, md.ArchivedAt)

	require.NoError(t, s.SetThreadArchived(ctx, "th-a", false))
	md, err = s.ThreadMetadata(ctx, "th-a")
	require.NoError(t, err)
	assert.False(t, md.Archived)
	assert.Nil(t, md.ArchivedAt)
}

func TestTokenSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := models.TokenSession{
		ID:        "ts-1",
		TokenHash: "hash-1",
		Label:     "phone",
		Mode:      models.ScopeReadOnly,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateTokenSession(ctx, ts))

	got, err := s.TokenSessionByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "ts-1", got.ID)
	assert.Equal(t, models.ScopeReadOnly, got.Mode)

	require.NoError(t, s.TouchTokenSession(ctx, "ts-1"))

	require.NoError(t, s.RevokeTokenSession(ctx, "ts-1"))
	_, err = s.TokenSessionByHash(ctx, "hash-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Revoking again is a no-op; revoking unknown ids reports not found.
	assert.NoError(t, s.RevokeTokenSession(ctx, "ts-1"))
	assert.ErrorIs(t, s.RevokeTokenSession(ctx, "nope"), ErrNotFound)
}

func TestUploadTokenExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	live := models.UploadToken{
		Token: "up-live", LocalPath: "/tmp/a", Mime: "image/png",
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	dead := models.UploadToken{
		Token: "up-dead", LocalPath: "/tmp/b", Mime: "image/png",
		CreatedAt: time.Now().Add(-2 * time.Hour), ExpiresAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, s.CreateUploadToken(ctx, live))
	require.NoError(t, s.CreateUploadToken(ctx, dead))

	_, err := s.UploadTokenByID(ctx, "up-live")
	assert.NoError(t, err)
	_, err = s.UploadTokenByID(ctx, "up-dead")
	assert.ErrorIs(t, err, ErrNotFound)

	expired, err := s.ExpiredUploadTokens(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "up-dead", expired[0].Token)
}
