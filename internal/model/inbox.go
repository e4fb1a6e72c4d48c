package model

import "time"

// InboxMessage is the newest message of a remote thread as reported by a
// channel's inbox fetch. Channels normalize their native payloads into this
// shape before the poller applies eligibility rules.
type InboxMessage struct {
	MessageID string
	SenderID  string
	Content   string
	Timestamp time.Time
	// FromSelf is true when the account itself sent the message, i.e. the
	// thread is waiting on the remote participant, not on us.
	FromSelf bool
}

// InboxThread is one conversation returned by a channel inbox fetch.
type InboxThread struct {
	ThreadID     string
	Participants []string
	Newest       InboxMessage
}

// InboundEvent is a normalized push event (webhook or bot-API update)
// entering the pipeline without a poll cycle.
type InboundEvent struct {
	AccountID string
	Channel   string
	ThreadID  string
	MessageID string
	SenderID  string
	Content   string
	Timestamp time.Time
}
