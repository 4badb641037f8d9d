package connection

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rickgao/adminlive/internal/reconnect"
	"github.com/rickgao/adminlive/internal/router"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrNotRunning         = errors.New("connection manager not running")
	ErrEmptyChannelID     = errors.New("channel id is empty")
	ErrNoEndpoint         = errors.New("endpoint builder is nil")
	ErrInvalidEndpoint    = errors.New("invalid websocket endpoint")
	ErrSuperseded         = errors.New("connect superseded by a newer call")
	ErrStaleConnection    = errors.New("connection stale (no ping)")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// ExhaustedError is passed to OnError when a channel gives up retrying.
// errors.Is(err, ErrReconnectExhausted) holds for it.
type ExhaustedError struct {
	Channel  string
	Attempts int
	Code     int    // Close code of the final failure
	Reason   string // Close reason of the final failure
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("channel %s: %s after %d attempts (last close %d %q)",
		e.Channel, ErrReconnectExhausted, e.Attempts, e.Code, e.Reason)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrReconnectExhausted
}

// State is the lifecycle state of a channel.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// MarshalText lets states show up by name in JSON health output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Event is one of the transport notifications: OpenEvent, MessageEvent,
// ErrorEvent or CloseEvent. A transport ends its stream with a CloseEvent.
type Event interface {
	isEvent()
}

// OpenEvent reports a completed handshake.
type OpenEvent struct{}

// MessageEvent carries one text frame.
type MessageEvent struct {
	Data       []byte    // Raw frame bytes
	ReceivedAt time.Time // Local timestamp when the frame was read
}

// ErrorEvent reports a transport-level failure. It never closes the
// channel by itself; a CloseEvent follows when the transport is gone.
type ErrorEvent struct {
	Err error
}

// CloseEvent reports the end of a transport.
type CloseEvent struct {
	Code   int
	Reason string
}

func (OpenEvent) isEvent()    {}
func (MessageEvent) isEvent() {}
func (ErrorEvent) isEvent()   {}
func (CloseEvent) isEvent()   {}

// EndpointBuilder produces the transport address at every (re)connect so
// credentials are read fresh.
type EndpointBuilder func() (string, error)

// Handlers are the callbacks registered for a channel. All of them run on
// the manager's event loop, one at a time, and may call back into the
// Manager. Nil callbacks are skipped.
type Handlers struct {
	OnMessage func(router.Message)
	OnError   func(error)
	OnClose   func(code int, reason string)
	OnState   func(State)
}

func (h Handlers) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h Handlers) close(code int, reason string) {
	if h.OnClose != nil {
		h.OnClose(code, reason)
	}
}

func (h Handlers) state(s State) {
	if h.OnState != nil {
		h.OnState(s)
	}
}

// ClientConfig configures a WebSocket transport.
type ClientConfig struct {
	Header           http.Header   // Extra handshake headers
	HandshakeTimeout time.Duration // Max time to complete the opening handshake
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // Keepalive ping period (0 = no pings)
	PingTimeout      time.Duration // Max silence before the connection counts as stale
	BufferSize       int           // Event channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		BufferSize:       1000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Policy    reconnect.Policy // Backoff and attempt ceiling
	QueueSize int              // Initial capacity of the event loop queue
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Policy:    reconnect.DefaultPolicy(),
		QueueSize: 256,
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	Channels     int
	Connected    int
	Reconnecting int
	Failed       int
	Queue        QueueStats
	Router       router.RouterStats
}

// ChannelStatus describes one tracked channel.
type ChannelStatus struct {
	ID      string `json:"id"`
	State   State  `json:"state"`
	Attempt int    `json:"attempt"`
	ConnID  string `json:"conn_id,omitempty"`
}
