package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pmelo/clipchat/internal/model"
)

// UpsertMessage caches one message under its conversation.
func (db *DB) UpsertMessage(m model.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	created := int64(0)
	if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
		created = t.UnixMilli()
	}
	_, err = db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, payload, created_at, inserted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at`,
		m.ConversationID, m.ID, string(payload), created, time.Now().UnixMilli())
	return err
}

// ReplaceMessages swaps the cached history of a conversation for the
// given list in one transaction.
func (db *DB) ReplaceMessages(conversationID string, msgs []model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		created := int64(0)
		if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
			created = t.UnixMilli()
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, msg_id, payload, created_at, inserted_at)
			VALUES (?, ?, ?, ?, ?)`,
			conversationID, m.ID, string(payload), created, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListMessages returns the cached history of a conversation, newest
// first.
func (db *DB) ListMessages(conversationID string) ([]model.Message, error) {
	rows, err := db.Query(`
		SELECT payload FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, inserted_at DESC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m model.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMessage removes one cached message.
func (db *DB) DeleteMessage(conversationID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, msgID)
	return err
}
