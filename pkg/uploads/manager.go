// Package uploads manages attachment storage behind capability URLs: a
// minted token authorizes one PUT and subsequent reads until expiry.
package uploads

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/orbitd/orbit/pkg/models"
	"github.com/orbitd/orbit/pkg/store"
)

// DefaultMaxBytes caps one upload body.
const DefaultMaxBytes = 32 << 20 // 32 MiB

var (
	// ErrUnknownToken covers missing and expired tokens alike, so a probe
	// cannot distinguish the two.
	ErrUnknownToken = errors.New("uploads: unknown or expired token")
	// ErrContentTypeMismatch rejects a PUT whose Content-Type differs from
	// the minted mime.
	ErrContentTypeMismatch = errors.New("uploads: content type does not match token")
	// ErrTooLarge rejects oversized bodies.
	ErrTooLarge = errors.New("uploads: body exceeds size limit")
)

// Manager owns the upload directory and its token table.
type Manager struct {
	store    *store.Store
	dir      string
	ttl      time.Duration
	maxBytes int64
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxBytes overrides the per-upload size cap.
func WithMaxBytes(n int64) Option {
	return func(m *Manager) { m.maxBytes = n }
}

// New creates a Manager storing files under dir with the given token TTL.
func New(st *store.Store, dir string, ttl time.Duration, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		dir:      dir,
		ttl:      ttl,
		maxBytes: DefaultMaxBytes,
		logger:   logger,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// EnsureDir creates the upload directory if missing.
func (m *Manager) EnsureDir() error {
	return os.MkdirAll(m.dir, 0o700)
}

// Mint creates a fresh upload token for one file of the given mime type.
func (m *Manager) Mint(ctx context.Context, mimeType string) (models.UploadToken, error) {
	if _, _, err := mime.ParseMediaType(mimeType); err != nil {
		return models.UploadToken{}, fmt.Errorf("uploads: invalid mime type %q: %w", mimeType, err)
	}
	if err := m.EnsureDir(); err != nil {
		return models.UploadToken{}, fmt.Errorf("uploads: ensure dir: %w", err)
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return models.UploadToken{}, fmt.Errorf("uploads: token entropy: %w", err)
	}
	token := hex.EncodeToString(buf)

	now := time.Now()
	ut := models.UploadToken{
		Token:     token,
		LocalPath: filepath.Join(m.dir, token+extensionFor(mimeType)),
		Mime:      mimeType,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.CreateUploadToken(ctx, ut); err != nil {
		return models.UploadToken{}, err
	}
	return ut, nil
}

// Put stores the body for a minted token. The declared content type must
// match the mime the token was minted for.
func (m *Manager) Put(ctx context.Context, token, contentType string, body io.Reader) (int64, error) {
	ut, err := m.store.UploadTokenByID(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrUnknownToken
	}
	if err != nil {
		return 0, err
	}

	declared, _, err := mime.ParseMediaType(contentType)
	if err != nil || declared != ut.Mime {
		return 0, ErrContentTypeMismatch
	}

	tmp := ut.LocalPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("uploads: open: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(body, m.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("uploads: write: %w", err)
	}
	if n > m.maxBytes {
		os.Remove(tmp)
		return 0, ErrTooLarge
	}
	if err := os.Rename(tmp, ut.LocalPath); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("uploads: replace: %w", err)
	}

	if err := m.store.UpdateUploadBytes(ctx, token, n); err != nil {
		m.logger.Warn("failed to record upload size", "token", token, "error", err)
	}
	return n, nil
}

// Open returns the stored file and its mime type for a capability read.
func (m *Manager) Open(ctx context.Context, token string) (io.ReadCloser, string, error) {
	ut, err := m.store.UploadTokenByID(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", ErrUnknownToken
	}
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(ut.LocalPath)
	if os.IsNotExist(err) {
		return nil, "", ErrUnknownToken
	}
	if err != nil {
		return nil, "", fmt.Errorf("uploads: open stored file: %w", err)
	}
	return f, ut.Mime, nil
}

// Prune removes expired upload files and their token rows. Returns how many
// tokens were removed.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	expired, err := m.store.ExpiredUploadTokens(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, ut := range expired {
		if err := os.Remove(ut.LocalPath); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove expired upload file",
				"path", ut.LocalPath, "error", err)
			continue
		}
		if err := m.store.DeleteUploadToken(ctx, ut.Token); err != nil {
			m.logger.Warn("failed to delete expired upload token", "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("pruned expired uploads", "count", removed)
	}
	return removed, nil
}

// Dir returns the upload directory path.
func (m *Manager) Dir() string { return m.dir }

// extensionFor picks a filename extension from the mime type, tolerating
// unknown types.
func extensionFor(mimeType string) string {
	exts, err := mime.ExtensionsByType(mimeType)
	if err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
