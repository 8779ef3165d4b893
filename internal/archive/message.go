package archive

import (
	"database/sql"
	"errors"
	"time"

	"github.com/tandemapp/chatkit/internal/wire"
)

// UpsertMessage journals a message under its conversation (idempotent on
// user_id + msg_id).
func (db *DB) UpsertMessage(userID string, m wire.Message) error {
	now := time.Now().UnixMilli()
	read := 0
	if m.Read {
		read = 1
	}
	_, err := db.Exec(`
		INSERT INTO messages (user_id, msg_id, sender_id, receiver_id, content, read, status, created_at, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, msg_id) DO UPDATE SET
			content = excluded.content,
			read = excluded.read,
			status = excluded.status`,
		userID, m.ID, m.SenderID, m.ReceiverID, m.Content, read, string(m.Status), m.CreatedAt.UnixMilli(), now)
	return err
}

// ListMessages returns journaled messages for a conversation using keyset
// pagination by creation time, oldest first.
func (db *DB) ListMessages(userID string, beforeTs int64, limit int) ([]wire.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT msg_id, sender_id, receiver_id, content, read, status, created_at
		FROM (
			SELECT * FROM messages
			WHERE user_id = ? AND created_at < ?
			ORDER BY created_at DESC
			LIMIT ?
		)
		ORDER BY created_at ASC`, userID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []wire.Message
	for rows.Next() {
		var m wire.Message
		var read int
		var statusText string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &read, &statusText, &createdAt); err != nil {
			return nil, err
		}
		m.Read = read != 0
		m.Status = wire.Status(statusText)
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpsertConversation journals a conversation summary row.
func (db *DB) UpsertConversation(conv wire.Conversation) error {
	now := time.Now().UnixMilli()
	lastAt := int64(0)
	preview := ""
	if conv.LastMessage != nil {
		lastAt = conv.LastMessage.CreatedAt.UnixMilli()
		preview = truncate(conv.LastMessage.Content, 100)
	}
	_, err := db.Exec(`
		INSERT INTO conversations (user_id, profile_name, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			profile_name = CASE WHEN excluded.profile_name != '' THEN excluded.profile_name ELSE conversations.profile_name END,
			unread_count = excluded.unread_count,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		conv.UserID, conv.ProfileName, conv.UnreadCount, lastAt, preview, now)
	return err
}

// SetUnread updates only the unread count of a journaled conversation.
func (db *DB) SetUnread(userID string, count int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (user_id, unread_count, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		userID, count, now)
	return err
}

// GetConversation returns a journaled conversation summary, or nil.
func (db *DB) GetConversation(userID string) (*wire.Conversation, error) {
	row := db.QueryRow(`
		SELECT user_id, profile_name, unread_count
		FROM conversations WHERE user_id = ?`, userID)
	var conv wire.Conversation
	if err := row.Scan(&conv.UserID, &conv.ProfileName, &conv.UnreadCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &conv, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
