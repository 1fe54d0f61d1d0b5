// Package token implements the token engine: signing and verification of
// access and refresh tokens, PKCE validation, client revocation, and
// persistence of the signing key and refresh-token records.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hostbridge/mcp-host-bridge/pkg/secrets"
)

// Token kinds. A refresh token can never be replayed as an access token and
// vice versa.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// Secret store keys for persisted state.
const (
	keySigningKey    = "signing-key"
	keyRefreshTokens = "refresh-tokens"
	keyRevokedSet    = "revoked-clients"
)

// lastUsedPersistInterval throttles per-client persistence of last-used
// timestamps. Issuances and revocations always persist synchronously.
const lastUsedPersistInterval = 30 * time.Second

var (
	// ErrInvalidToken is returned for malformed, tampered, or expired tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrWrongKind is returned when a token's kind does not match expectations.
	ErrWrongKind = errors.New("unexpected token kind")

	// ErrRevoked is returned when the token's client has been revoked.
	ErrRevoked = errors.New("client revoked")

	// ErrUnknownRefreshToken is returned when no persisted record matches.
	ErrUnknownRefreshToken = errors.New("unknown refresh token")
)

// Claims is the signed token payload.
type Claims struct {
	Kind     string `json:"kind"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// RefreshRecord is the server-held state for an issued refresh token,
// keyed by the token string.
type RefreshRecord struct {
	ClientID     string    `json:"client_id"`
	Scope        string    `json:"scope"`
	ExpiresAt    time.Time `json:"expires_at"`
	SessionLabel string    `json:"session_label,omitempty"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// Pair is an issued access/refresh token pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	Scope        string
}

// ClientSession describes an authorized client for status reporting.
type ClientSession struct {
	ClientID     string    `json:"client_id"`
	SessionLabel string    `json:"session_label,omitempty"`
	LastUsedAt   time.Time `json:"last_used_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Engine signs and verifies tokens and owns the signing key, the persisted
// refresh-token records, and the revoked-client set. Safe for concurrent use.
type Engine struct {
	mu          sync.Mutex
	store       secrets.Store
	logger      *slog.Logger
	signingKey  []byte
	refresh     map[string]*RefreshRecord
	revoked     map[string]bool
	lastPersist map[string]time.Time

	accessTTL  time.Duration
	refreshTTL time.Duration

	now func() time.Time
}

// NewEngine creates an engine, loading persisted state from the store.
// Unreadable or corrupt persisted collections load as empty; a missing
// signing key is generated and persisted.
func NewEngine(store secrets.Store, logger *slog.Logger, accessTTL, refreshTTL time.Duration) (*Engine, error) {
	if accessTTL == 0 {
		accessTTL = 1 * time.Hour
	}
	if refreshTTL == 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		store:       store,
		logger:      logger,
		refresh:     make(map[string]*RefreshRecord),
		revoked:     make(map[string]bool),
		lastPersist: make(map[string]time.Time),
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
		now:         time.Now,
	}

	if err := e.load(); err != nil {
		return nil, err
	}
	return e, nil
}

// load reads persisted state, treating corrupt entries as absent.
func (e *Engine) load() error {
	if raw, err := e.store.Get(keySigningKey); err == nil {
		key, decErr := base64.RawURLEncoding.DecodeString(raw)
		if decErr == nil && len(key) > 0 {
			e.signingKey = key
		} else {
			e.logger.Warn("persisted signing key unreadable, generating a new one")
		}
	}
	if e.signingKey == nil {
		key, err := newSigningKey()
		if err != nil {
			return err
		}
		e.signingKey = key
		if err := e.store.Set(keySigningKey, base64.RawURLEncoding.EncodeToString(key)); err != nil {
			return fmt.Errorf("persisting signing key: %w", err)
		}
	}

	if raw, err := e.store.Get(keyRefreshTokens); err == nil {
		if err := json.Unmarshal([]byte(raw), &e.refresh); err != nil {
			e.logger.Warn("persisted refresh tokens unreadable, starting empty", "error", err)
			e.refresh = make(map[string]*RefreshRecord)
		}
	}

	if raw, err := e.store.Get(keyRevokedSet); err == nil {
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			e.logger.Warn("persisted revoked set unreadable, starting empty", "error", err)
		} else {
			for _, id := range ids {
				e.revoked[id] = true
			}
		}
	}
	return nil
}

// newSigningKey generates a fresh 32-byte HMAC key.
func newSigningKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return key, nil
}

// sign mints a signed token of the given kind.
func (e *Engine) sign(kind, clientID, scope string, ttl time.Duration, key []byte) (string, error) {
	now := e.now()
	claims := &Claims{
		Kind:     kind,
		ClientID: clientID,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks a token's signature, expiry, kind, and revocation status,
// in that order. Signature comparison is constant-time.
func (e *Engine) Verify(tokenString, wantKind string) (*Claims, error) {
	claims, err := e.decode(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Kind != wantKind {
		return nil, ErrWrongKind
	}

	e.mu.Lock()
	revoked := e.revoked[claims.ClientID]
	e.mu.Unlock()
	if revoked {
		return nil, ErrRevoked
	}
	return claims, nil
}

// decode parses and verifies a token's signature and expiry without checking
// kind or revocation.
func (e *Engine) decode(tokenString string) (*Claims, error) {
	e.mu.Lock()
	key := e.signingKey
	e.mu.Unlock()

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return key, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(e.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// IssueTokens mints an access/refresh pair for a client after a successful
// code exchange, persists the refresh record, and lifts any prior revocation
// of that client.
func (e *Engine) IssueTokens(clientID, scope, sessionLabel string) (*Pair, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	access, err := e.sign(KindAccess, clientID, scope, e.accessTTL, e.signingKey)
	if err != nil {
		return nil, err
	}
	refresh, err := e.sign(KindRefresh, clientID, scope, e.refreshTTL, e.signingKey)
	if err != nil {
		return nil, err
	}

	now := e.now()
	e.refresh[refresh] = &RefreshRecord{
		ClientID:     clientID,
		Scope:        scope,
		ExpiresAt:    now.Add(e.refreshTTL),
		SessionLabel: sessionLabel,
		LastUsedAt:   now,
	}

	changed := e.revoked[clientID]
	delete(e.revoked, clientID)

	if err := e.persistRefreshLocked(); err != nil {
		return nil, err
	}
	if changed {
		if err := e.persistRevokedLocked(); err != nil {
			return nil, err
		}
	}

	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(e.accessTTL.Seconds()),
		Scope:        scope,
	}, nil
}

// Refresh verifies a refresh token and issues a new access token. The refresh
// token itself is not rotated. Last-used persistence is throttled per client.
func (e *Engine) Refresh(refreshToken, clientID string) (*Pair, error) {
	claims, err := e.Verify(refreshToken, KindRefresh)
	if err != nil {
		return nil, err
	}
	if claims.ClientID != clientID {
		return nil, fmt.Errorf("%w: client_id mismatch", ErrInvalidToken)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	record, ok := e.refresh[refreshToken]
	if !ok {
		return nil, ErrUnknownRefreshToken
	}
	now := e.now()
	if now.After(record.ExpiresAt) {
		delete(e.refresh, refreshToken)
		_ = e.persistRefreshLocked()
		return nil, ErrUnknownRefreshToken
	}
	if record.ClientID != clientID || record.Scope != claims.Scope {
		return nil, ErrUnknownRefreshToken
	}

	record.LastUsedAt = now
	if now.Sub(e.lastPersist[clientID]) >= lastUsedPersistInterval {
		if err := e.persistRefreshLocked(); err != nil {
			return nil, err
		}
		e.lastPersist[clientID] = now
	}

	access, err := e.sign(KindAccess, clientID, record.Scope, e.accessTTL, e.signingKey)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken: access,
		ExpiresIn:   int(e.accessTTL.Seconds()),
		Scope:       record.Scope,
	}, nil
}

// RevokeClient blocks a client's tokens until it re-authorizes and deletes
// its persisted refresh records. Persists synchronously.
func (e *Engine) RevokeClient(clientID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.revoked[clientID] = true
	for tok, record := range e.refresh {
		if record.ClientID == clientID {
			delete(e.refresh, tok)
		}
	}

	if err := e.persistRefreshLocked(); err != nil {
		return err
	}
	return e.persistRevokedLocked()
}

// RevokeAll replaces the signing key, instantly invalidating every previously
// issued signature, and clears all refresh records and the revoked set.
func (e *Engine) RevokeAll() error {
	key, err := newSigningKey()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.signingKey = key
	e.refresh = make(map[string]*RefreshRecord)
	e.revoked = make(map[string]bool)
	e.lastPersist = make(map[string]time.Time)

	if err := e.store.Set(keySigningKey, base64.RawURLEncoding.EncodeToString(key)); err != nil {
		return fmt.Errorf("persisting signing key: %w", err)
	}
	if err := e.persistRefreshLocked(); err != nil {
		return err
	}
	return e.persistRevokedLocked()
}

// Introspect decodes a token of either kind and reports whether it is active.
func (e *Engine) Introspect(tokenString string) (*Claims, bool) {
	claims, err := e.decode(tokenString)
	if err != nil {
		return nil, false
	}

	e.mu.Lock()
	revoked := e.revoked[claims.ClientID]
	e.mu.Unlock()
	if revoked {
		return nil, false
	}
	return claims, true
}

// Sessions returns the authorized clients with live refresh tokens,
// for status reporting.
func (e *Engine) Sessions() []ClientSession {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	out := make([]ClientSession, 0, len(e.refresh))
	for _, record := range e.refresh {
		if now.After(record.ExpiresAt) {
			continue
		}
		out = append(out, ClientSession{
			ClientID:     record.ClientID,
			SessionLabel: record.SessionLabel,
			LastUsedAt:   record.LastUsedAt,
			ExpiresAt:    record.ExpiresAt,
		})
	}
	return out
}

// AccessTokenTTL returns the configured access token lifetime.
func (e *Engine) AccessTokenTTL() time.Duration {
	return e.accessTTL
}

// persistRefreshLocked writes the refresh-token records. Caller holds e.mu.
func (e *Engine) persistRefreshLocked() error {
	data, err := json.Marshal(e.refresh)
	if err != nil {
		return fmt.Errorf("encoding refresh tokens: %w", err)
	}
	if err := e.store.Set(keyRefreshTokens, string(data)); err != nil {
		return fmt.Errorf("persisting refresh tokens: %w", err)
	}
	return nil
}

// persistRevokedLocked writes the revoked-client set. Caller holds e.mu.
func (e *Engine) persistRevokedLocked() error {
	ids := make([]string, 0, len(e.revoked))
	for id := range e.revoked {
		ids = append(ids, id)
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encoding revoked set: %w", err)
	}
	if err := e.store.Set(keyRevokedSet, string(data)); err != nil {
		return fmt.Errorf("persisting revoked set: %w", err)
	}
	return nil
}
