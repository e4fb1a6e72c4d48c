package protocol

import "encoding/json"

// ClientFrame is a message received from a live-view client.
type ClientFrame struct {
	Type string `json:"type"`

	// auth
	RoutingID string `json:"routingId,omitempty"`
	Identity  string `json:"identity,omitempty"`

	// chat
	Message string `json:"message,omitempty"`

	// typing
	Status bool `json:"status,omitempty"`
}

// ServerFrame is a message pushed to a live-view client.
type ServerFrame struct {
	Type      string          `json:"type"`
	Message   string          `json:"message,omitempty"`
	Chunk     string          `json:"chunk,omitempty"`
	Status    *bool           `json:"status,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewServerFrame builds a frame with an optional JSON payload.
// Marshal failures drop the payload rather than the frame.
func NewServerFrame(typ string, payload any) ServerFrame {
	f := ServerFrame{Type: typ}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			f.Data = raw
		}
	}
	return f
}
