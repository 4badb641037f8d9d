// Package projector merges routed messages into dashboard view state.
//
// Every known message kind maps to exactly one rule. Rules either replace a
// named section with the payload or shallow-merge the payload's keys into
// it; user_update is the one feed with its own create/update/delete rule.
// Messages are applied in arrival order and each one is treated as the
// latest value for the fields it carries.
package projector

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rickgao/adminlive/internal/connection"
	"github.com/rickgao/adminlive/internal/router"
)

// Errors
var (
	ErrNoRule        = errors.New("no projection rule for message")
	ErrNotObject     = errors.New("payload is not a JSON object")
	ErrUnknownAction = errors.New("unknown user action")
	ErrMissingUserID = errors.New("user id missing")
)

// Projector applies one message to caller-owned state.
type Projector interface {
	Apply(msg router.Message) error
}

// ConnectionAware projectors track the live/offline state of their channel.
type ConnectionAware interface {
	SetConnection(s connection.State)
}

// Func adapts a plain function to Projector.
type Func func(router.Message) error

// Apply implements Projector.
func (f Func) Apply(msg router.Message) error {
	return f(msg)
}

// Multi applies every message to each projector in order. Connection state
// is forwarded to members that implement ConnectionAware.
type Multi []Projector

// Apply implements Projector. All members run even if one fails.
func (m Multi) Apply(msg router.Message) error {
	var errs []error
	for _, p := range m {
		if err := p.Apply(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetConnection implements ConnectionAware.
func (m Multi) SetConnection(s connection.State) {
	for _, p := range m {
		if ca, ok := p.(ConnectionAware); ok {
			ca.SetConnection(s)
		}
	}
}

// Handlers adapts p to the callbacks of connection.Manager.Connect.
// Projection errors are logged and never escalate to the transport.
func Handlers(p Projector, logger *slog.Logger) connection.Handlers {
	if logger == nil {
		logger = slog.Default()
	}

	h := connection.Handlers{
		OnMessage: func(msg router.Message) {
			if err := p.Apply(msg); err != nil {
				level := slog.LevelWarn
				if errors.Is(err, ErrNoRule) {
					level = slog.LevelDebug
				}
				logger.Log(context.Background(), level, "projection failed",
					"channel", msg.Channel,
					"type", msg.Type,
					"error", err,
				)
			}
		},
		OnError: func(err error) {
			logger.Warn("channel error", "error", err)
		},
		OnClose: func(code int, reason string) {
			logger.Debug("channel closed", "code", code, "reason", reason)
		},
	}

	if ca, ok := p.(ConnectionAware); ok {
		h.OnState = ca.SetConnection
	}
	return h
}
