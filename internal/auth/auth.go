// Package auth is the identity boundary of the service.
//
// Accounts authenticate with API keys ("sk_..."). Only a SHA-256 hash of a
// key is stored; the raw key is shown once when it is issued. Handlers never
// see keys, only the authenticated account id.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/distrokit/internal/idgen"
)

var (
	ErrNoAPIKey        = errors.New("auth: API key required")
	ErrInvalidAPIKey   = errors.New("auth: invalid or expired API key")
	ErrKeyNotFound     = errors.New("auth: API key not found")
	ErrAccountNotFound = errors.New("auth: account not found")
	ErrKeyLimit        = errors.New("auth: too many active API keys")
	ErrInvalidTTL      = errors.New("auth: key lifetime out of range")
)

const (
	keyPrefix = "sk_"
	// displayLen is how much of a raw key is kept in clear for listings.
	displayLen = len(keyPrefix) + 8

	MaxActiveKeys = 20
	MaxKeyTTL     = 365 * 24 * time.Hour

	// touchInterval bounds how often LastUsed is written for one key.
	touchInterval = time.Minute
)

// APIKey is the stored form of an issued key.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	Prefix    string     `json:"prefix"`
	AccountID string     `json:"accountId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Usable reports whether the key can authenticate at now.
func (k *APIKey) Usable(now time.Time) bool {
	return !k.Revoked && (k.ExpiresAt == nil || now.Before(*k.ExpiresAt))
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByAccount(ctx context.Context, accountID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// AccountCheck returns nil when accountID exists and ErrAccountNotFound
// when it does not.
type AccountCheck func(ctx context.Context, accountID string) error

// IssueRequest describes a new key. A zero TTL never expires.
type IssueRequest struct {
	AccountID string
	Name      string
	TTL       time.Duration
}

// Issued is a freshly created key together with its only clear-text copy.
type Issued struct {
	RawKey string
	Key    *APIKey
}

// Manager issues and validates API keys.
type Manager struct {
	store   Store
	account AccountCheck
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a key manager on store.
func NewManager(store Store) *Manager {
	return &Manager{
		store:   store,
		account: func(context.Context, string) error { return nil },
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithAccountCheck makes Issue refuse keys for unknown accounts.
func (m *Manager) WithAccountCheck(check AccountCheck) *Manager {
	if check != nil {
		m.account = check
	}
	return m
}

func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// Issue creates a key for req.AccountID.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	if req.TTL < 0 || req.TTL > MaxKeyTTL {
		return nil, ErrInvalidTTL
	}
	if err := m.account(ctx, req.AccountID); err != nil {
		return nil, err
	}

	existing, err := m.store.GetByAccount(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("auth: list keys: %w", err)
	}
	now := m.now()
	active := 0
	for _, k := range existing {
		if k.Usable(now) {
			active++
		}
	}
	if active >= MaxActiveKeys {
		return nil, ErrKeyLimit
	}

	raw, err := newRawKey()
	if err != nil {
		return nil, err
	}
	key := &APIKey{
		ID:        idgen.WithPrefix("ak_"),
		Hash:      hashKey(raw),
		Prefix:    raw[:displayLen],
		AccountID: req.AccountID,
		Name:      req.Name,
		CreatedAt: now,
	}
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		key.ExpiresAt = &exp
	}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, fmt.Errorf("auth: create key: %w", err)
	}
	return &Issued{RawKey: raw, Key: key}, nil
}

// ValidateKey resolves a raw key (optionally "Bearer "-prefixed) to its
// stored record.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			m.logger.Error("api key lookup failed", "error", err)
		}
		return nil, ErrInvalidAPIKey
	}
	now := m.now()
	if !key.Usable(now) {
		return nil, ErrInvalidAPIKey
	}

	if now.Sub(key.LastUsed) >= touchInterval {
		go m.touch(*key, now)
	}
	return key, nil
}

func (m *Manager) touch(k APIKey, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	k.LastUsed = at
	if err := m.store.Update(ctx, &k); err != nil {
		m.logger.Warn("api key last-used update failed", "key_id", k.ID, "error", err)
	}
}

// AuthenticatedAccountID maps a request token to the account it belongs to.
func (m *Manager) AuthenticatedAccountID(ctx context.Context, token string) (string, error) {
	key, err := m.ValidateKey(ctx, token)
	if err != nil {
		return "", err
	}
	return key.AccountID, nil
}

// ListKeys returns every key issued to accountID, newest first.
func (m *Manager) ListKeys(ctx context.Context, accountID string) ([]*APIKey, error) {
	return m.store.GetByAccount(ctx, accountID)
}

// RevokeKey revokes keyID if it belongs to accountID.
func (m *Manager) RevokeKey(ctx context.Context, keyID, accountID string) error {
	keys, err := m.store.GetByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID && !k.Revoked {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func newRawKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate key: %w", err)
	}
	return keyPrefix + hex.EncodeToString(b), nil
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
