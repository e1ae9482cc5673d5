package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fredamaraljr/whatsapp-agent/internal/logging"
	"github.com/fredamaraljr/whatsapp-agent/internal/types"
)

// GetUser retrieves an identity record, or (nil, nil) when absent.
func (s *LocalStore) GetUser(externalID string) (*types.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id types.Identity
	var verified int
	err := s.db.QueryRow(
		`SELECT external_id, user_group, verified, first_interaction, last_interaction, message_count
		 FROM users WHERE external_id = ?`,
		externalID,
	).Scan(&id.ExternalID, (*string)(&id.Group), &verified, &id.FirstInteraction, &id.LastInteraction, &id.MessageCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query user %s: %w", externalID, err)
	}
	id.Verified = verified != 0
	return &id, nil
}

// CreateUser creates a new identity record. A privileged sender is created
// verified+privileged; everyone else starts unverified.
func (s *LocalStore) CreateUser(externalID string, isPrivileged bool) (*types.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	group := types.GroupUnverified
	verified := 0
	if isPrivileged {
		group = types.GroupPrivileged
		verified = 1
	}

	_, err := s.db.Exec(
		`INSERT INTO users (external_id, user_group, verified, first_interaction, last_interaction, message_count)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		externalID, string(group), verified, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", externalID, err)
	}

	logging.Users("created user %s (group=%s)", externalID, group)
	return &types.Identity{
		ExternalID:       externalID,
		Group:            group,
		Verified:         isPrivileged,
		FirstInteraction: now,
		LastInteraction:  now,
	}, nil
}

// SetGroupVerified marks an identity verified with a terminal group.
// Group transitions only go from unverified to exactly one target; the
// guard in SQL makes a repeat or conflicting write a no-op.
func (s *LocalStore) SetGroupVerified(externalID string, group types.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE users SET user_group = ?, verified = 1
		 WHERE external_id = ? AND user_group = ?`,
		string(group), externalID, string(types.GroupUnverified),
	)
	if err != nil {
		return fmt.Errorf("failed to verify user %s: %w", externalID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("user %s is not unverified; group transition refused", externalID)
	}

	logging.Users("verified user %s as %s", externalID, group)
	return nil
}

// IncrementMessageCount bumps the persisted message counter.
func (s *LocalStore) IncrementMessageCount(externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE users SET message_count = message_count + 1, last_interaction = ?
		 WHERE external_id = ?`,
		time.Now(), externalID,
	)
	if err != nil {
		return fmt.Errorf("failed to increment message count for %s: %w", externalID, err)
	}
	return nil
}

// LogInteraction appends an interaction log entry.
func (s *LocalStore) LogInteraction(externalID, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO interaction_log (external_id, kind) VALUES (?, ?)`,
		externalID, kind,
	)
	if err != nil {
		return fmt.Errorf("failed to log interaction for %s: %w", externalID, err)
	}
	return nil
}

// AggregateStats summarizes the identity store.
type AggregateStats struct {
	TotalUsers         int
	TotalMessages      int
	UsersByGroup       map[types.Group]int
	RecentInteractions int // last 24 hours
}

// GetAggregateStats returns counts across all identities.
func (s *LocalStore) GetAggregateStats() (*AggregateStats, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GetAggregateStats")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &AggregateStats{UsersByGroup: make(map[types.Group]int)}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM users").Scan(&stats.TotalUsers); err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}

	if err := s.db.QueryRow("SELECT COALESCE(SUM(message_count), 0) FROM users").Scan(&stats.TotalMessages); err != nil {
		return nil, fmt.Errorf("failed to sum messages: %w", err)
	}

	rows, err := s.db.Query("SELECT user_group, COUNT(*) FROM users GROUP BY user_group")
	if err != nil {
		return nil, fmt.Errorf("failed to count groups: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var group string
		var count int
		if err := rows.Scan(&group, &count); err != nil {
			continue
		}
		stats.UsersByGroup[types.Group(group)] = count
	}

	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM interaction_log
		 WHERE datetime(created_at) > datetime('now', '-1 day')`,
	).Scan(&stats.RecentInteractions); err != nil {
		return nil, fmt.Errorf("failed to count recent interactions: %w", err)
	}

	return stats, nil
}
