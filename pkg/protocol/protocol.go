// Package protocol defines the gateway's WebSocket wire format: the event
// names and RPC method names clients and the server agree on, plus the
// envelope every pushed event is wrapped in.
package protocol

// ProtocolVersion is advertised on "connect" so a client can detect a
// server running an incompatible wire format before sending anything
// else.
const ProtocolVersion = 1

// EventFrame is the envelope every server-pushed event is wrapped in.
type EventFrame struct {
	Version int         `json:"version"`
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent wraps name/payload in an EventFrame stamped with the current
// ProtocolVersion.
func NewEvent(name string, payload interface{}) EventFrame {
	return EventFrame{Version: ProtocolVersion, Name: name, Payload: payload}
}
