package store

import (
	"database/sql"
	"fmt"
)

// InsertMessage persists an inbound message. Duplicate (id, chat_id) pairs are
// ignored so channel redelivery is harmless.
func (s *Store) InsertMessage(m Message) error {
	_, err := s.exec(`
		INSERT OR IGNORE INTO messages (id, chat_id, channel, sender_id, sender_name, content, timestamp, is_from_me)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.Channel, m.SenderID, m.SenderName, m.Content, m.Timestamp, boolToInt(m.IsFromMe),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// MessagesAfter returns all messages across chats with timestamp strictly
// greater than cursor, oldest first. An empty cursor returns everything.
func (s *Store) MessagesAfter(cursor string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, channel, sender_id, sender_name, content, timestamp, is_from_me
		FROM messages
		WHERE timestamp > ?
		ORDER BY timestamp ASC`,
		cursor,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages after %q: %w", cursor, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ChatMessagesAfter returns a single chat's messages with timestamp strictly
// greater than cursor, oldest first.
func (s *Store) ChatMessagesAfter(chatID, cursor string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, channel, sender_id, sender_name, content, timestamp, is_from_me
		FROM messages
		WHERE chat_id = ? AND timestamp > ?
		ORDER BY timestamp ASC`,
		chatID, cursor,
	)
	if err != nil {
		return nil, fmt.Errorf("query chat %s messages: %w", chatID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// LatestChatTimestamp returns the newest message timestamp for a chat, or ""
// when the chat has no messages.
func (s *Store) LatestChatTimestamp(chatID string) (string, error) {
	var ts sql.NullString
	err := s.db.QueryRow(
		`SELECT MAX(timestamp) FROM messages WHERE chat_id = ?`, chatID,
	).Scan(&ts)
	if err != nil {
		return "", fmt.Errorf("latest timestamp for %s: %w", chatID, err)
	}
	return ts.String, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var fromMe int
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Channel, &m.SenderID, &m.SenderName, &m.Content, &m.Timestamp, &fromMe); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.IsFromMe = fromMe != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
