// Package channels defines the contract every external messaging surface
// implements and a registry the rest of the pipeline resolves adapters
// through. Poll-mode channels are driven by the scheduler; push-mode
// channels deliver inbound events themselves and only need SendText.
package channels

import (
	"context"

	"github.com/bridgekit/dmgate/internal/model"
)

// Mode tells the scheduler whether it has to pull messages or whether the
// surface pushes them.
type Mode string

const (
	ModePoll Mode = "poll"
	ModePush Mode = "push"
)

// Channel is one external messaging surface.
type Channel interface {
	// Name returns the channel identifier used in storage and envelopes,
	// e.g. "instagram".
	Name() string

	// Mode reports how inbound messages arrive.
	Mode() Mode

	// RestoreSession rebuilds a live client context from stored
	// credentials. It returns ErrSessionInvalid when the surface rejects
	// them.
	RestoreSession(ctx context.Context, sess *model.Session) error

	// FetchInbox returns the most recent threads for the account, newest
	// first, up to limit. Poll-mode channels only; push-mode channels
	// return ErrUnsupported.
	FetchInbox(ctx context.Context, accountID string, limit int) ([]model.InboxThread, error)

	// SendText delivers a reply into a thread.
	SendText(ctx context.Context, accountID, threadID, text string) error
}

// Sink receives normalized inbound events from push-mode channels. The
// ingest pipeline implements it.
type Sink interface {
	HandleInbound(ctx context.Context, ev model.InboundEvent) error
}

// Registry holds the enabled channels by name.
type Registry struct {
	byName map[string]Channel
}

func NewRegistry(chs ...Channel) *Registry {
	r := &Registry{byName: make(map[string]Channel, len(chs))}
	for _, ch := range chs {
		r.byName[ch.Name()] = ch
	}
	return r
}

// Get returns the channel by name, or nil when it is not enabled.
func (r *Registry) Get(name string) Channel {
	return r.byName[name]
}

// PollChannels returns every registered poll-mode channel.
func (r *Registry) PollChannels() []Channel {
	var out []Channel
	for _, ch := range r.byName {
		if ch.Mode() == ModePoll {
			out = append(out, ch)
		}
	}
	return out
}

// Names returns the registered channel names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}
