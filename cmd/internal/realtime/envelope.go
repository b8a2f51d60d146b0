package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dmroom/cmd/internal/ids"
)

// ProtocolVersion is embedded into every envelope.
const ProtocolVersion = "v1"

// Subprotocol must be offered by clients during the WebSocket handshake.
const Subprotocol = "dmroom.notify.v1"

// Wire-stable envelope types.
const (
	// TypeHello starts a session (client -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms the session and its user (server -> client).
	TypeHelloAck = "hello_ack"
	// TypeNotification carries one delivered notification (server -> client).
	TypeNotification = "notification"
	// TypeError reports a protocol problem (server -> client).
	TypeError = "error"
)

// Envelope is the wire wrapper for every frame.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks an inbound envelope.
func (e Envelope) Validate() error {
	if e.V != ProtocolVersion {
		return fmt.Errorf("invalid protocol version: got=%q want=%q", e.V, ProtocolVersion)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	return nil
}

type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    int64  `json:"user_id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newEnvelope(typ string, payload any, ts time.Time) Envelope {
	raw, _ := json.Marshal(payload)
	return Envelope{
		V:       ProtocolVersion,
		Type:    typ,
		ID:      ids.MustULID(ts),
		TS:      ts,
		Payload: raw,
	}
}
