// Package auth provides the bearer token attached to dashboard WebSocket
// connections.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrEmptyToken is returned when a required token is blank.
var ErrEmptyToken = errors.New("token is empty")

// TokenSource returns the current bearer token. An empty token with a nil
// error means connect without credentials.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token() (string, error) {
	return string(s), nil
}

// FileTokenSource reads the token from a file on every call, so a token
// refreshed on disk is picked up by the next reconnect.
type FileTokenSource struct {
	Path string

	// Optional allows a missing file; Token then returns "".
	Optional bool
}

// NewFileTokenSource creates a token source for path.
func NewFileTokenSource(path string, optional bool) *FileTokenSource {
	return &FileTokenSource{Path: path, Optional: optional}
}

// Token implements TokenSource.
func (f *FileTokenSource) Token() (string, error) {
	if f.Path == "" {
		if f.Optional {
			return "", nil
		}
		return "", fmt.Errorf("token path is required")
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		if f.Optional && errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" && !f.Optional {
		return "", ErrEmptyToken
	}
	return token, nil
}
