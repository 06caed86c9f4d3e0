package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pmelo/clipchat/internal/model"
)

// UpsertConversation stores the conversation payload, keyed by id.
// activityAt orders the cached list; pass the newest message time, or
// zero to keep the existing ordering value.
func (db *DB) UpsertConversation(c model.Conversation, activityAt time.Time) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	now := time.Now().UnixMilli()
	activity := int64(0)
	if !activityAt.IsZero() {
		activity = activityAt.UnixMilli()
	}
	_, err = db.Exec(`
		INSERT INTO conversations (conversation_id, payload, last_activity_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			payload = excluded.payload,
			last_activity_at = MAX(last_activity_at, excluded.last_activity_at),
			updated_at = excluded.updated_at`,
		c.ConversationID, string(payload), activity, now)
	return err
}

// ListConversations returns the cached conversations, most recent
// activity first.
func (db *DB) ListConversations() ([]model.Conversation, error) {
	rows, err := db.Query(`
		SELECT payload FROM conversations ORDER BY last_activity_at DESC, updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Conversation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c model.Conversation
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, fmt.Errorf("unmarshal conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes one conversation and its cached messages.
func (db *DB) DeleteConversation(conversationID string) error {
	if _, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
	return err
}

// ClearConversations wipes the cached conversation list and messages.
// Used when the session logs out.
func (db *DB) ClearConversations() error {
	if _, err := db.Exec(`DELETE FROM messages`); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM conversations`)
	return err
}
