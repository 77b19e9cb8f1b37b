package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// ErrNoCredential indicates no bearer token has been issued yet.
var ErrNoCredential = errors.New("config: no credential available")

// TokenSource supplies a previously-issued bearer token. The core never
// issues or refreshes credentials itself, only consumes them at connect
// time.
type TokenSource interface {
	Token() (string, error)
}

// FileTokenSource reads a bearer token from a file on every call so an
// externally refreshed token is picked up without restart.
type FileTokenSource struct {
	path string
}

// NewFileTokenSource creates a token source for the given file path.
func NewFileTokenSource(path string) *FileTokenSource {
	return &FileTokenSource{path: path}
}

// Token returns the stored bearer token, or ErrNoCredential when the file
// is missing or empty.
func (s *FileTokenSource) Token() (string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNoCredential
		}
		return "", fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

// StaticTokenSource returns a fixed token; used by tests and short-lived
// tooling.
type StaticTokenSource string

// Token returns the fixed token, or ErrNoCredential when empty.
func (s StaticTokenSource) Token() (string, error) {
	if s == "" {
		return "", ErrNoCredential
	}
	return string(s), nil
}
