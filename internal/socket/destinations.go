package socket

import "fmt"

// The broker multiplexes all per-user push delivery onto three user-scoped
// queues. Live messages for every conversation the user participates in
// arrive on the chat queue; there is no per-conversation topic.

// ChatQueue returns the shared live-message destination for a user.
func ChatQueue(userDetailID string) string {
	return fmt.Sprintf("/user/%s/queue/chat", userDetailID)
}

// ReadStatusQueue returns the read-receipt destination for a user.
func ReadStatusQueue(userDetailID string) string {
	return fmt.Sprintf("/user/%s/queue/read-status", userDetailID)
}

// NewestMessageQueue returns the cross-conversation newest-message
// broadcast destination for a user.
func NewestMessageQueue(userDetailID string) string {
	return fmt.Sprintf("/user/%s/queue/newest-message", userDetailID)
}
