package protocol

// Event names pushed from the hub to live-view clients.
const (
	EventAuthSuccess     = "auth_success"
	EventAuthError       = "auth_error"
	EventChatChunk       = "chat_chunk"
	EventChatComplete    = "chat_complete"
	EventChatError       = "chat_error"
	EventPlatformMessage = "platform_message"
	EventBotReply        = "bot_reply"
	EventAITyping        = "ai_typing"
	EventPong            = "pong"
	EventError           = "error"
)

// Message types accepted from live-view clients.
const (
	TypeAuth   = "auth"
	TypeChat   = "chat"
	TypeTyping = "typing"
	TypePing   = "ping"
)

// Internal event names carried on the bus but never forwarded to clients.
const (
	EventConfigChanged = "config.changed"
)
