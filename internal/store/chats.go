package store

import (
	"database/sql"
	"fmt"
)

// UpsertChatMetadata records a chat and bumps its last message time.
// last_message_time is monotonically non-decreasing: the MAX in the upsert
// keeps the greater of the stored and incoming timestamps.
func (s *Store) UpsertChatMetadata(c ChatMetadata) error {
	_, err := s.exec(`
		INSERT INTO chats (chat_id, name, channel, last_message_time)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			channel = excluded.channel,
			last_message_time = MAX(chats.last_message_time, excluded.last_message_time)`,
		c.ChatID, c.Name, c.Channel, c.LastMessageTime,
	)
	if err != nil {
		return fmt.Errorf("upsert chat %s: %w", c.ChatID, err)
	}
	return nil
}

// GetChat returns metadata for one chat, or nil when unknown.
func (s *Store) GetChat(chatID string) (*ChatMetadata, error) {
	var c ChatMetadata
	err := s.db.QueryRow(
		`SELECT chat_id, name, channel, last_message_time FROM chats WHERE chat_id = ?`,
		chatID,
	).Scan(&c.ChatID, &c.Name, &c.Channel, &c.LastMessageTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", chatID, err)
	}
	return &c, nil
}

// ListChats returns every known chat ordered by most recent activity.
func (s *Store) ListChats() ([]ChatMetadata, error) {
	rows, err := s.db.Query(
		`SELECT chat_id, name, channel, last_message_time FROM chats ORDER BY last_message_time DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []ChatMetadata
	for rows.Next() {
		var c ChatMetadata
		if err := rows.Scan(&c.ChatID, &c.Name, &c.Channel, &c.LastMessageTime); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
