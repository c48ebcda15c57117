package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nexcode/codex-gateway/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func newTestStore(t *testing.T) *KeyStore {
	store, err := NewKeyStore(":memory:", newTestLogger(t))
	if err != nil {
		t.Fatalf("Failed to open key store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSeedAndLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Seed(ctx, "sk-test", "gateway", "gateway-user"); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	info, err := store.Lookup(ctx, "sk-test")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if info.KeyID != "gateway" || info.UserID != "gateway-user" {
		t.Errorf("Unexpected identity: %+v", info)
	}
	if !info.Active {
		t.Error("Seeded key must be active")
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Seed(ctx, "sk-test", "gateway", "user-a"); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if err := store.Seed(ctx, "sk-test", "gateway", "user-b"); err != nil {
		t.Fatalf("Second seed failed: %v", err)
	}

	info, err := store.Lookup(ctx, "sk-test")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if info.UserID != "user-b" {
		t.Errorf("Expected second seed to win, got %s", info.UserID)
	}
}

func TestSeedEmptyKeyIsNoop(t *testing.T) {
	store := newTestStore(t)
	if err := store.Seed(context.Background(), "", "gateway", "user"); err != nil {
		t.Fatalf("Empty seed must be a no-op, got %v", err)
	}
	if _, err := store.Lookup(context.Background(), ""); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound for empty key, got %v", err)
	}
}

func TestLookupUnknownKey(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Lookup(context.Background(), "sk-nope"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestDeactivate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Insert(ctx, "sk-test", APIKeyInfo{KeyID: "k1", UserID: "u1", Active: true}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Deactivate(ctx, "sk-test"); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}

	info, err := store.Lookup(ctx, "sk-test")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if info.Active {
		t.Error("Expected key inactive after Deactivate")
	}

	if err := store.Deactivate(ctx, "sk-missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestFileBackedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "gateway.db")
	store, err := NewKeyStore(path, newTestLogger(t))
	if err != nil {
		t.Fatalf("Failed to open file-backed store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Seed(ctx, "sk-file", "gateway", "u1"); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if _, err := store.Lookup(ctx, "sk-file"); err != nil {
		t.Errorf("Lookup failed: %v", err)
	}
}
