package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// RegisterGroup creates or replaces a registered group binding.
func (s *Store) RegisterGroup(g RegisteredGroup) error {
	var containerJSON sql.NullString
	if g.Container != nil {
		data, err := json.Marshal(g.Container)
		if err != nil {
			return fmt.Errorf("marshal container config: %w", err)
		}
		containerJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.exec(`
		INSERT INTO registered_groups (chat_id, name, folder, trigger_pattern, requires_trigger, container_config, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			trigger_pattern = excluded.trigger_pattern,
			requires_trigger = excluded.requires_trigger,
			container_config = excluded.container_config`,
		g.ChatID, g.Name, g.Folder, g.TriggerPattern, boolToInt(g.RequiresTrigger), containerJSON, g.AddedAt,
	)
	if err != nil {
		return fmt.Errorf("register group %s: %w", g.Folder, err)
	}
	return nil
}

// GetGroupByFolder looks a group up by its folder identity.
func (s *Store) GetGroupByFolder(folder string) (*RegisteredGroup, error) {
	return s.getGroup(`folder = ?`, folder)
}

// GetGroupByChat looks a group up by chat ID.
func (s *Store) GetGroupByChat(chatID string) (*RegisteredGroup, error) {
	return s.getGroup(`chat_id = ?`, chatID)
}

// ListGroups returns every registered group.
func (s *Store) ListGroups() ([]RegisteredGroup, error) {
	rows, err := s.db.Query(`
		SELECT chat_id, name, folder, trigger_pattern, requires_trigger, container_config, added_at
		FROM registered_groups ORDER BY added_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []RegisteredGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func (s *Store) getGroup(where string, arg any) (*RegisteredGroup, error) {
	row := s.db.QueryRow(`
		SELECT chat_id, name, folder, trigger_pattern, requires_trigger, container_config, added_at
		FROM registered_groups WHERE `+where, arg)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*RegisteredGroup, error) {
	var g RegisteredGroup
	var requires int
	var containerJSON sql.NullString
	if err := row.Scan(&g.ChatID, &g.Name, &g.Folder, &g.TriggerPattern, &requires, &containerJSON, &g.AddedAt); err != nil {
		return nil, err
	}
	g.RequiresTrigger = requires != 0
	if containerJSON.Valid && containerJSON.String != "" {
		var cc ContainerConfig
		if err := json.Unmarshal([]byte(containerJSON.String), &cc); err != nil {
			return nil, fmt.Errorf("parse container config for %s: %w", g.Folder, err)
		}
		g.Container = &cc
	}
	return &g, nil
}
