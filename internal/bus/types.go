// Package bus defines the event types exchanged between the ingestion
// pipeline and the broadcast hub.
package bus

// Event is a server-side event fanned out to live-view clients subscribed
// to a tenant's routing id.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// AccountPublisher delivers events to the authenticated connections of a
// single tenant. The hub implements it; pipeline components depend only on
// this interface so they can run without a hub in tests.
type AccountPublisher interface {
	BroadcastToAccount(routingID string, event Event)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) BroadcastToAccount(string, Event) {}
