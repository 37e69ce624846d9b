package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/orbitd/orbit/pkg/models"
)

// CreateTokenSession inserts a new per-device token session row.
func (s *Store) CreateTokenSession(ctx context.Context, ts models.TokenSession) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_sessions (id, token_hash, label, mode, created_at) VALUES (?, ?, ?, ?, ?)`,
		ts.ID, ts.TokenHash, ts.Label, string(ts.Mode), ts.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create token session: %w", err)
	}
	return nil
}

// TokenSessionByHash looks up an unrevoked session by token hash.
func (s *Store) TokenSessionByHash(ctx context.Context, hash string) (models.TokenSession, error) {
	query, args, err := s.qb.From("token_sessions").
		Select("id", "token_hash", "label", "mode", "created_at", "last_used_at", "revoked_at").
		Where(goqu.Ex{"token_hash": hash}, goqu.I("revoked_at").IsNull()).
		Prepared(true).ToSQL()
	if err != nil {
		return models.TokenSession{}, fmt.Errorf("build token query: %w", err)
	}
	return s.scanTokenSession(s.db.QueryRowContext(ctx, query, args...))
}

// ListTokenSessions returns all token sessions, newest first.
func (s *Store) ListTokenSessions(ctx context.Context) ([]models.TokenSession, error) {
	query, args, err := s.qb.From("token_sessions").
		Select("id", "token_hash", "label", "mode", "created_at", "last_used_at", "revoked_at").
		Order(goqu.I("created_at").Desc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list token sessions: %w", err)
	}
	defer rows.Close()

	var out []models.TokenSession
	for rows.Next() {
		ts, err := s.scanTokenSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// RevokeTokenSession marks a session revoked. Revoking twice is a no-op.
func (s *Store) RevokeTokenSession(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE token_sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("revoke token session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown or already revoked; check existence for a clean error.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM token_sessions WHERE id = ?`, id).Scan(&exists); err == nil && exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// TouchTokenSession records a successful use of the session token.
// Best-effort: failures are ignored by callers.
func (s *Store) TouchTokenSession(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE token_sessions SET last_used_at = ? WHERE id = ?`, time.Now().Unix(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanTokenSession(row rowScanner) (models.TokenSession, error) {
	var (
		ts         models.TokenSession
		createdAt  int64
		lastUsedAt *int64
		revokedAt  *int64
	)
	err := row.Scan(&ts.ID, &ts.TokenHash, &ts.Label, &ts.Mode, &createdAt, &lastUsedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TokenSession{}, ErrNotFound
	}
	if err != nil {
		return models.TokenSession{}, fmt.Errorf("scan token session: %w", err)
	}
	ts.CreatedAt = time.Unix(createdAt, 0)
	if lastUsedAt != nil {
		t := time.Unix(*lastUsedAt, 0)
		ts.LastUsedAt = &t
	}
	if revokedAt != nil {
		t := time.Unix(*revokedAt, 0)
		ts.RevokedAt = &t
	}
	return ts, nil
}
