// Package wire defines the JSON envelope and the type, error, and close code
// vocabulary shared by the gateway and its clients. Every frame on the wire is
// a JSON object with a type, a request/correlation id, and a payload; outbound
// frames additionally carry an ISO-8601 timestamp.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame is the envelope for every inbound and outbound gateway message. The ID
// of a request is echoed in its reply so clients can correlate them. Timestamp
// is set on outbound frames only.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// NewFrame serialises an outbound frame with the current timestamp. The
// payload may be any JSON-marshalable value; nil produces a frame without a
// payload field.
func NewFrame(frameType, id string, payload any) ([]byte, error) {
	f := Frame{
		Type:      frameType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", frameType, err)
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

// ErrorPayload is the payload of an error reply.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorFrame serialises an error reply echoing the originating request id.
func NewErrorFrame(id, code, message string) ([]byte, error) {
	return NewFrame(TypeError, id, ErrorPayload{Code: code, Message: message})
}

// WelcomePayload is sent immediately after a connection is accepted.
type WelcomePayload struct {
	ConnectionID    string `json:"connectionId"`
	ServerVersion   string `json:"serverVersion"`
	ProtocolVersion int    `json:"protocolVersion"`
	AuthRequired    bool   `json:"authRequired"`
}

// NewWelcomeFrame serialises the welcome frame for a newly accepted connection.
func NewWelcomeFrame(connectionID, serverVersion string, authRequired bool) ([]byte, error) {
	return NewFrame(TypeWelcome, "", WelcomePayload{
		ConnectionID:    connectionID,
		ServerVersion:   serverVersion,
		ProtocolVersion: ProtocolVersion,
		AuthRequired:    authRequired,
	})
}

// ProtocolVersion is the gateway wire protocol version advertised in the
// welcome frame.
const ProtocolVersion = 1
