// Package auth resolves bearer tokens into authorization contexts and
// manages the legacy token, per-device session tokens, and one-time pairing
// codes.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitd/orbit/pkg/config"
	"github.com/orbitd/orbit/pkg/models"
	"github.com/orbitd/orbit/pkg/store"
)

// ErrUnauthorized is returned for unknown, revoked, or malformed tokens.
var ErrUnauthorized = errors.New("auth: unauthorized")

// pairingTTL bounds how long a minted pairing code stays redeemable.
const pairingTTL = 5 * time.Minute

// Context is the resolved authorization for one request or socket.
type Context struct {
	Scope models.Scope
	// SessionID is the token-session id, empty for the legacy token.
	SessionID string
	Legacy    bool
}

// pairingCode maps a short code to an already-minted session token.
type pairingCode struct {
	rawToken  string
	sessionID string
	expiresAt time.Time
}

// Authenticator owns token resolution and minting. Safe for concurrent use.
type Authenticator struct {
	cfg   *config.Store
	store *store.Store

	mu      sync.Mutex
	pairing map[string]pairingCode
}

// New creates an Authenticator backed by the config store (legacy token) and
// the database (session tokens).
func New(cfg *config.Store, st *store.Store) *Authenticator {
	return &Authenticator{cfg: cfg, store: st, pairing: make(map[string]pairingCode)}
}

// Resolve maps a presented bearer token to an authorization context.
// The legacy token is compared in constant time; session tokens are looked
// up by sha-256 hash.
func (a *Authenticator) Resolve(ctx context.Context, token string) (Context, error) {
	if token == "" {
		return Context{}, ErrUnauthorized
	}

	legacy := a.cfg.Token()
	if subtle.ConstantTimeCompare([]byte(token), []byte(legacy)) == 1 {
		return Context{Scope: models.ScopeFull, Legacy: true}, nil
	}

	ts, err := a.store.TokenSessionByHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Context{}, ErrUnauthorized
		}
		return Context{}, fmt.Errorf("resolve token: %w", err)
	}
	_ = a.store.TouchTokenSession(ctx, ts.ID)
	return Context{Scope: ts.Mode, SessionID: ts.ID}, nil
}

// MintSession creates a new 256-bit session token and returns the raw secret
// exactly once, together with the stored record.
func (a *Authenticator) MintSession(ctx context.Context, label string, mode models.Scope) (string, models.TokenSession, error) {
	raw := randomToken()
	ts := models.TokenSession{
		ID:        uuid.New().String(),
		TokenHash: HashToken(raw),
		Label:     label,
		Mode:      mode,
		CreatedAt: time.Now(),
	}
	if err := a.store.CreateTokenSession(ctx, ts); err != nil {
		return "", models.TokenSession{}, err
	}
	return raw, ts, nil
}

// Revoke marks a session token revoked.
func (a *Authenticator) Revoke(ctx context.Context, id string) error {
	return a.store.RevokeTokenSession(ctx, id)
}

// Sessions lists all token sessions.
func (a *Authenticator) Sessions(ctx context.Context) ([]models.TokenSession, error) {
	return a.store.ListTokenSessions(ctx)
}

// Rotate replaces the legacy token, persists the config file, and clears all
// outstanding pairing codes. Returns the new token. The caller is
// responsible for closing live sockets afterwards.
func (a *Authenticator) Rotate() (string, error) {
	next := randomToken()
	if err := a.cfg.SetToken(next); err != nil {
		return "", fmt.Errorf("persist rotated token: %w", err)
	}

	a.mu.Lock()
	a.pairing = make(map[string]pairingCode)
	a.mu.Unlock()

	return next, nil
}

// NewPairingCode mints a fresh session token and a short one-time code that
// redeems to it. The code expires after five minutes.
func (a *Authenticator) NewPairingCode(ctx context.Context, label string, mode models.Scope) (string, error) {
	raw, ts, err := a.MintSession(ctx, label, mode)
	if err != nil {
		return "", err
	}

	code := randomPairCode()
	a.mu.Lock()
	a.pairing[code] = pairingCode{
		rawToken:  raw,
		sessionID: ts.ID,
		expiresAt: time.Now().Add(pairingTTL),
	}
	a.mu.Unlock()
	return code, nil
}

// ConsumePairingCode exchanges a code for its token exactly once. Expired or
// unknown codes fail with ErrUnauthorized; expired codes also revoke the
// token they were minted for.
func (a *Authenticator) ConsumePairingCode(ctx context.Context, code string) (string, error) {
	a.mu.Lock()
	pc, ok := a.pairing[code]
	if ok {
		delete(a.pairing, code)
	}
	a.mu.Unlock()

	if !ok {
		return "", ErrUnauthorized
	}
	if time.Now().After(pc.expiresAt) {
		_ = a.store.RevokeTokenSession(ctx, pc.sessionID)
		return "", ErrUnauthorized
	}
	return pc.rawToken, nil
}

// HashToken returns the hex sha-256 of a raw token secret.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// pairAlphabet is base32 with ambiguous characters (0/O, 1/I/L, U/V) removed.
const pairAlphabet = "ABCDEFGHJKMNPQRSTWXYZ23456789"

func randomPairCode() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	code := make([]byte, len(buf))
	for i, b := range buf {
		code[i] = pairAlphabet[int(b)%len(pairAlphabet)]
	}
	return string(code)
}
