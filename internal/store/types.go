package store

// Outbox message kinds.
const (
	OutboxDirect = "direct"
	OutboxGroup  = "group"
)

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ClientMsgID    string
	ConversationID string
	Kind           string // direct, group
	TargetID       string // receiver user-detail id or group conversation id
	Body           string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	ServerMsgID    string
}
