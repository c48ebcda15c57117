// Package auth covers the gateway's caller authentication: the API-key
// store and middleware, and a development OAuth authorization-code flow.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nexcode/codex-gateway/internal/common/logger"
	"github.com/nexcode/codex-gateway/internal/common/sqlite"
)

// ErrKeyNotFound is returned when an API key is not in the store.
var ErrKeyNotFound = errors.New("api key not found")

const keySchema = `
CREATE TABLE IF NOT EXISTS api_keys (
	api_key    TEXT PRIMARY KEY,
	key_id     TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	rate_limit INTEGER NOT NULL DEFAULT 0,
	active     INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// APIKeyInfo is the stored identity behind one API key. RateLimit is carried
// but not enforced.
type APIKeyInfo struct {
	KeyID     string `db:"key_id" json:"key_id"`
	UserID    string `db:"user_id" json:"user_id"`
	RateLimit int    `db:"rate_limit" json:"rate_limit"`
	Active    bool   `db:"active" json:"active"`
}

// KeyStore is the SQLite-backed API key table. The default path ":memory:"
// gives each gateway instance a private volatile store.
type KeyStore struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewKeyStore opens (and if needed creates) the key database.
func NewKeyStore(path string, log *logger.Logger) (*KeyStore, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to prepare key store path: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL", path, int(5*time.Second/time.Millisecond))
	}

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}
	// Single writer connection avoids SQLITE_BUSY and keeps the in-memory
	// database alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(keySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create key schema: %w", err)
	}
	// Migrate databases created before rate limits were stored.
	if err := sqlite.EnsureColumn(db.DB, "api_keys", "rate_limit", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate key schema: %w", err)
	}

	return &KeyStore{db: db, logger: log}, nil
}

// Seed upserts the configured gateway key. Called at startup; a no-op for an
// empty key.
func (s *KeyStore) Seed(ctx context.Context, apiKey, keyID, userID string) error {
	if apiKey == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (api_key, key_id, user_id, rate_limit, active)
		VALUES (?, ?, ?, 0, 1)
		ON CONFLICT(api_key) DO UPDATE SET key_id = excluded.key_id, user_id = excluded.user_id, active = 1`,
		apiKey, keyID, userID)
	if err != nil {
		return fmt.Errorf("failed to seed api key: %w", err)
	}
	return nil
}

// Insert adds a key with the given identity.
func (s *KeyStore) Insert(ctx context.Context, apiKey string, info APIKeyInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (api_key, key_id, user_id, rate_limit, active)
		VALUES (?, ?, ?, ?, ?)`,
		apiKey, info.KeyID, info.UserID, info.RateLimit, info.Active)
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	return nil
}

// Lookup returns the identity behind a key, or ErrKeyNotFound.
func (s *KeyStore) Lookup(ctx context.Context, apiKey string) (*APIKeyInfo, error) {
	var info APIKeyInfo
	err := s.db.GetContext(ctx, &info,
		`SELECT key_id, user_id, rate_limit, active FROM api_keys WHERE api_key = ?`, apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return &info, nil
}

// Deactivate flips a key inactive without deleting it.
func (s *KeyStore) Deactivate(ctx context.Context, apiKey string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET active = 0 WHERE api_key = ?`, apiKey)
	if err != nil {
		return fmt.Errorf("failed to deactivate api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Close closes the underlying database.
func (s *KeyStore) Close() error {
	return s.db.Close()
}
