package store

import (
	"database/sql"
	"fmt"

	"github.com/fredamaraljr/whatsapp-agent/internal/types"
)

// GetPromptOverride returns the stored persona override for a group,
// or ("", nil) when no override is set.
func (s *LocalStore) GetPromptOverride(group types.Group) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var prompt string
	err := s.db.QueryRow(
		`SELECT prompt FROM prompt_overrides WHERE user_group = ?`, string(group),
	).Scan(&prompt)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read prompt override for %s: %w", group, err)
	}
	return prompt, nil
}

// SetPromptOverride replaces the persona override for a group.
func (s *LocalStore) SetPromptOverride(group types.Group, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO prompt_overrides (user_group, prompt, updated_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_group) DO UPDATE SET prompt = excluded.prompt, updated_at = CURRENT_TIMESTAMP`,
		string(group), prompt,
	)
	if err != nil {
		return fmt.Errorf("failed to set prompt override for %s: %w", group, err)
	}
	return nil
}

// GetConfigOverride returns the stored value for a runtime parameter,
// or ("", false, nil) when unset.
func (s *LocalStore) GetConfigOverride(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(
		`SELECT value FROM config_overrides WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read config override %s: %w", key, err)
	}
	return value, true, nil
}

// SetConfigOverride stores a runtime parameter override.
func (s *LocalStore) SetConfigOverride(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO config_overrides (key, value, updated_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set config override %s: %w", key, err)
	}
	return nil
}

// ListConfigOverrides returns all stored runtime parameter overrides.
func (s *LocalStore) ListConfigOverrides() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT key, value FROM config_overrides ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list config overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
