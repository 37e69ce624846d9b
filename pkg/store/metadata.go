package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orbitd/orbit/pkg/models"
)

// SetThreadArchived upserts the archive flag for a thread.
func (s *Store) SetThreadArchived(ctx context.Context, threadID string, archived bool) error {
	now := time.Now().Unix()
	var archivedAt any
	if archived {
		archivedAt = now
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_metadata (thread_id, archived, archived_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET
			archived = excluded.archived,
			archived_at = excluded.archived_at,
			updated_at = excluded.updated_at`,
		threadID, boolToInt(archived), archivedAt, now)
	if err != nil {
		return fmt.Errorf("set archived: %w", err)
	}
	return nil
}

// ThreadMetadata returns the metadata row for a thread, or ErrNotFound.
func (s *Store) ThreadMetadata(ctx context.Context, threadID string) (models.ThreadMetadata, error) {
	var (
		md         models.ThreadMetadata
		archived   int
		archivedAt *int64
		updatedAt  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, archived, archived_at, updated_at FROM thread_metadata WHERE thread_id = ?`,
		threadID).Scan(&md.ThreadID, &archived, &archivedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ThreadMetadata{}, ErrNotFound
	}
	if err != nil {
		return models.ThreadMetadata{}, fmt.Errorf("read thread metadata: %w", err)
	}

	md.Archived = archived != 0
	if archivedAt != nil {
		t := time.Unix(*archivedAt, 0)
		md.ArchivedAt = &t
	}
	md.UpdatedAt = time.Unix(updatedAt, 0)
	return md, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
