package bus

import "time"

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the daemon. Subscribers filter by prefix, so
// "conn." matches every connection lifecycle event.
const (
	// KindConnStatus carries a status.Change whenever the connection state
	// machine moves.
	KindConnStatus = "conn.status_changed"
	// KindConnEstablished fires on the first successful connect of a session.
	KindConnEstablished = "conn.established"
	// KindConnRestored fires when a dropped connection comes back. Components
	// holding broker subscriptions must re-establish them on this event.
	KindConnRestored = "conn.restored"
	// KindConnLost fires when the transport drops and reconnection begins.
	KindConnLost = "conn.lost"
	// KindConnSuspended fires when the bounded reconnection policy gives up.
	// Payload is the number of attempts made.
	KindConnSuspended = "conn.suspended"

	// KindPushMessage carries a *model.Message delivered on the chat queue.
	KindPushMessage = "push.message"
	// KindPushReadStatus carries a *model.ReadStatusUpdate.
	KindPushReadStatus = "push.read_status"
	// KindPushNewest carries a *model.NewestMessageBroadcast.
	KindPushNewest = "push.newest"

	// KindDirectoryUpdated fires after the conversation list changes in any
	// way (merge, reorder, unread bookkeeping). No payload.
	KindDirectoryUpdated = "directory.updated"

	// KindMessageSent and KindMessageSendFailed report outbox outcomes.
	KindMessageSent       = "outbox.sent"
	KindMessageSendFailed = "outbox.send_failed"

	// KindSessionCleared fires when the credentials become unusable
	// (logout or a failed token refresh); components drop local state.
	KindSessionCleared = "session.cleared"
)
