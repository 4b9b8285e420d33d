package store

import (
	"database/sql"
	"fmt"
)

// Router state keys. The agent cursor is per chat so each chat's key carries
// the chat ID as a suffix.
const (
	keyIngestCursor      = "last_ingest_cursor"
	agentCursorKeyPrefix = "last_agent_cursor:"
)

// GetIngestCursor returns the global ingestion cursor, "" when unset.
func (s *Store) GetIngestCursor() (string, error) {
	return s.getState(keyIngestCursor)
}

// SetIngestCursor persists the global ingestion cursor.
func (s *Store) SetIngestCursor(value string) error {
	return s.setState(keyIngestCursor, value)
}

// GetAgentCursor returns a chat's agent consumption cursor, "" when unset.
func (s *Store) GetAgentCursor(chatID string) (string, error) {
	return s.getState(agentCursorKeyPrefix + chatID)
}

// SetAgentCursor persists a chat's agent consumption cursor.
func (s *Store) SetAgentCursor(chatID, value string) error {
	return s.setState(agentCursorKeyPrefix+chatID, value)
}

// GetSession returns the agent session ID for a folder, "" when none.
func (s *Store) GetSession(folder string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT session_id FROM sessions WHERE folder = ?`, folder).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session for %s: %w", folder, err)
	}
	return id, nil
}

// SetSession records the agent session ID for a folder.
func (s *Store) SetSession(folder, sessionID string) error {
	_, err := s.exec(`
		INSERT INTO sessions (folder, session_id) VALUES (?, ?)
		ON CONFLICT(folder) DO UPDATE SET session_id = excluded.session_id`,
		folder, sessionID,
	)
	if err != nil {
		return fmt.Errorf("set session for %s: %w", folder, err)
	}
	return nil
}

func (s *Store) getState(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get router state %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) setState(key, value string) error {
	_, err := s.exec(`
		INSERT INTO router_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set router state %s: %w", key, err)
	}
	return nil
}
