package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orbitd/orbit/pkg/models"
)

// CreateUploadToken inserts an upload token row.
func (s *Store) CreateUploadToken(ctx context.Context, ut models.UploadToken) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_tokens (token, local_path, mime, bytes, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ut.Token, ut.LocalPath, ut.Mime, ut.Bytes, ut.CreatedAt.Unix(), ut.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("create upload token: %w", err)
	}
	return nil
}

// UploadTokenByID returns the upload token row, or ErrNotFound when unknown
// or expired.
func (s *Store) UploadTokenByID(ctx context.Context, token string) (models.UploadToken, error) {
	var (
		ut        models.UploadToken
		createdAt int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token, local_path, mime, bytes, created_at, expires_at FROM upload_tokens WHERE token = ?`,
		token).Scan(&ut.Token, &ut.LocalPath, &ut.Mime, &ut.Bytes, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UploadToken{}, ErrNotFound
	}
	if err != nil {
		return models.UploadToken{}, fmt.Errorf("read upload token: %w", err)
	}
	ut.CreatedAt = time.Unix(createdAt, 0)
	ut.ExpiresAt = time.Unix(expiresAt, 0)
	if time.Now().After(ut.ExpiresAt) {
		return models.UploadToken{}, ErrNotFound
	}
	return ut, nil
}

// UpdateUploadBytes records the stored size after a successful PUT.
func (s *Store) UpdateUploadBytes(ctx context.Context, token string, bytes int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE upload_tokens SET bytes = ? WHERE token = ?`, bytes, token)
	return err
}

// ExpiredUploadTokens lists tokens past expiry so the pruner can remove the
// backing files before deleting the rows.
func (s *Store) ExpiredUploadTokens(ctx context.Context) ([]models.UploadToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, local_path, mime, bytes, created_at, expires_at FROM upload_tokens WHERE expires_at < ?`,
		time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("list expired uploads: %w", err)
	}
	defer rows.Close()

	var out []models.UploadToken
	for rows.Next() {
		var (
			ut        models.UploadToken
			createdAt int64
			expiresAt int64
		)
		if err := rows.Scan(&ut.Token, &ut.LocalPath, &ut.Mime, &ut.Bytes, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan upload token: %w", err)
		}
		ut.CreatedAt = time.Unix(createdAt, 0)
		ut.ExpiresAt = time.Unix(expiresAt, 0)
		out = append(out, ut)
	}
	return out, rows.Err()
}

// DeleteUploadToken removes one upload token row.
func (s *Store) DeleteUploadToken(ctx context.Context, token string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM upload_tokens WHERE token = ?`, token)
	return err
}
