package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileTokenSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	source := NewFileTokenSource(path)

	if _, err := source.Token(); !errors.Is(err, ErrNoCredential) {
		t.Errorf("expected ErrNoCredential for missing file, got %v", err)
	}

	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	if _, err := source.Token(); !errors.Is(err, ErrNoCredential) {
		t.Errorf("expected ErrNoCredential for blank file, got %v", err)
	}

	if err := os.WriteFile(path, []byte("issued-token\n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	token, err := source.Token()
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if token != "issued-token" {
		t.Errorf("expected trimmed token, got %q", token)
	}

	// The file is re-read on every call, so a refreshed token is picked up.
	if err := os.WriteFile(path, []byte("rotated-token"), 0o600); err != nil {
		t.Fatalf("rewrite token file: %v", err)
	}
	token, err = source.Token()
	if err != nil {
		t.Fatalf("Token after rotation failed: %v", err)
	}
	if token != "rotated-token" {
		t.Errorf("expected rotated token, got %q", token)
	}
}

func TestStaticTokenSource(t *testing.T) {
	if _, err := StaticTokenSource("").Token(); !errors.Is(err, ErrNoCredential) {
		t.Errorf("expected ErrNoCredential for empty static token, got %v", err)
	}

	token, err := StaticTokenSource("fixed").Token()
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if token != "fixed" {
		t.Errorf("expected fixed token, got %q", token)
	}
}
