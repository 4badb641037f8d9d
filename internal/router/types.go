package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrMissingType = errors.New("message type missing")
	ErrInvalidType = errors.New("message type is not a string")
	ErrEmptyFrame  = errors.New("empty frame")
)

// Message is one decoded frame.
type Message struct {
	Channel    string          // Channel id the frame arrived on
	Kind       Kind            // Tag derived from Type
	Type       string          // Wire type, kept verbatim for KindUnknown
	Data       json.RawMessage // Payload; nil when the frame carried none
	Timestamp  string          // Server send time if the backend stamped one
	ReceivedAt time.Time       // Local time the transport read the frame
}

// DecodeData unmarshals the payload into v.
func (m Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%s: decode data: %w", m.Type, err)
	}
	return nil
}

// envelopeWire is the inbound wire format. Type stays raw so a non-string
// type can be told apart from a missing one. Timestamp and Channel are
// informational and kept only when they are strings.
type envelopeWire struct {
	Type      json.RawMessage `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
	Channel   json.RawMessage `json:"channel"`
}

// outboundWire is the format for caller-originated sends.
type outboundWire struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Decode parses a single text frame.
func Decode(frame []byte) (Message, error) {
	if len(bytes.TrimSpace(frame)) == 0 {
		return Message{}, ErrEmptyFrame
	}

	var wire envelopeWire
	if err := json.Unmarshal(frame, &wire); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}

	if len(wire.Type) == 0 || bytes.Equal(wire.Type, []byte("null")) {
		return Message{}, ErrMissingType
	}

	var msgType string
	if err := json.Unmarshal(wire.Type, &msgType); err != nil {
		return Message{}, ErrInvalidType
	}

	data := wire.Data
	if bytes.Equal(data, []byte("null")) {
		data = nil
	}

	return Message{
		Channel:   optionalString(wire.Channel),
		Kind:      ParseKind(msgType),
		Type:      msgType,
		Data:      data,
		Timestamp: optionalString(wire.Timestamp),
	}, nil
}

// optionalString returns raw as a string, or "" if it is missing or not a
// JSON string.
func optionalString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// Encode builds an outbound frame.
func Encode(msgType string, data any) ([]byte, error) {
	if msgType == "" {
		return nil, ErrMissingType
	}
	b, err := json.Marshal(outboundWire{Type: msgType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	return b, nil
}
