// Package endpoint builds the WebSocket address of a dashboard channel:
// ws(s)://<host>/ws/<channel>[?token=<bearer>].
package endpoint

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rickgao/adminlive/internal/auth"
	"github.com/rickgao/adminlive/internal/connection"
)

// Errors
var (
	ErrNoHost    = errors.New("backend host is required")
	ErrNoChannel = errors.New("channel name is required")
)

// Builder produces channel endpoints for one backend.
type Builder struct {
	Host   string           // host[:port] of the backend
	Secure bool             // wss instead of ws
	Tokens auth.TokenSource // nil means no token
}

// New creates a Builder.
func New(host string, secure bool, tokens auth.TokenSource) *Builder {
	return &Builder{Host: host, Secure: secure, Tokens: tokens}
}

// URL returns the endpoint for channel, reading the token now.
func (b *Builder) URL(channel string) (string, error) {
	host := strings.TrimSpace(b.Host)
	if host == "" {
		return "", ErrNoHost
	}
	if channel == "" {
		return "", ErrNoChannel
	}

	u := url.URL{
		Scheme: "ws",
		Host:   host,
		Path:   "/ws/" + channel,
	}
	if b.Secure {
		u.Scheme = "wss"
	}

	if b.Tokens != nil {
		token, err := b.Tokens.Token()
		if err != nil {
			return "", fmt.Errorf("token for %s: %w", channel, err)
		}
		if token != "" {
			u.RawQuery = url.Values{"token": {token}}.Encode()
		}
	}

	return u.String(), nil
}

// For returns a connection.EndpointBuilder for channel. The manager calls
// it at every connect and reconnect.
func (b *Builder) For(channel string) connection.EndpointBuilder {
	return func() (string, error) {
		return b.URL(channel)
	}
}
