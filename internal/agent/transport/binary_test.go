package transport

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindBinaryOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codex")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("Failed to write stub: %v", err)
	}

	found, err := FindBinary(path)
	if err != nil {
		t.Fatalf("FindBinary failed: %v", err)
	}
	if found != path {
		t.Errorf("Expected %s, got %s", path, found)
	}
}

func TestFindBinaryOverrideMissing(t *testing.T) {
	if _, err := FindBinary("/nonexistent/codex"); err == nil {
		t.Fatal("Expected error for missing override")
	}
}

func TestFindBinaryOnPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codex")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("Failed to write stub: %v", err)
	}
	t.Setenv("PATH", dir)

	found, err := FindBinary("")
	if err != nil {
		t.Fatalf("FindBinary failed: %v", err)
	}
	if found != path {
		t.Errorf("Expected %s, got %s", path, found)
	}
}

func TestFindBinaryNotFound(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	if _, err := FindBinary(""); err == nil {
		t.Skip("a codex binary exists next to the test executable")
	}
}
