package store

import (
	"database/sql"
	"fmt"

	"github.com/fredamaraljr/whatsapp-agent/internal/logging"
	"github.com/fredamaraljr/whatsapp-agent/internal/types"
)

// LoadConversation returns the persisted history (oldest first) and the
// running summary for a sender. A sender with no rows yields an empty
// history and summary without error.
func (s *LocalStore) LoadConversation(externalID string) ([]types.Turn, string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "LoadConversation")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT turn_id, role, text, COALESCE(media_path, ''), created_at
		 FROM conversation_turns WHERE external_id = ? ORDER BY seq`,
		externalID,
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load conversation for %s: %w", externalID, err)
	}
	defer rows.Close()

	var history []types.Turn
	for rows.Next() {
		var t types.Turn
		var role string
		if err := rows.Scan(&t.ID, &role, &t.Text, &t.MediaPath, &t.CreatedAt); err != nil {
			return nil, "", err
		}
		t.Role = types.Role(role)
		history = append(history, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var summary string
	err = s.db.QueryRow(
		`SELECT summary FROM conversation_state WHERE external_id = ?`, externalID,
	).Scan(&summary)
	if err != nil && err != sql.ErrNoRows {
		return nil, "", fmt.Errorf("failed to load summary for %s: %w", externalID, err)
	}

	return history, summary, nil
}

// AppendTurns persists the turns added during a run, in order, assigning
// monotonically increasing sequence numbers.
func (s *LocalStore) AppendTurns(externalID string, turns []types.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextSeq(tx, externalID)
	if err != nil {
		return err
	}

	for _, t := range turns {
		if _, err := tx.Exec(
			`INSERT INTO conversation_turns (turn_id, external_id, seq, role, text, media_path, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID, externalID, seq, string(t.Role), t.Text, t.MediaPath, t.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to append turn for %s: %w", externalID, err)
		}
		seq++
	}

	if _, err := tx.Exec(
		`INSERT INTO conversation_state (external_id, next_seq)
		 VALUES (?, ?)
		 ON CONFLICT(external_id) DO UPDATE SET next_seq = ?, updated_at = CURRENT_TIMESTAMP`,
		externalID, seq, seq,
	); err != nil {
		return fmt.Errorf("failed to advance sequence for %s: %w", externalID, err)
	}

	return tx.Commit()
}

// SetSummaryAndTrim stores the new running summary and deletes every turn
// except the trailing keep turns. Both happen in one transaction so a
// crash never leaves trimmed history without its replacement summary.
func (s *LocalStore) SetSummaryAndTrim(externalID, summary string, keep int) error {
	timer := logging.StartTimer(logging.CategoryStore, "SetSummaryAndTrim")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextSeq(tx, externalID)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(
		`DELETE FROM conversation_turns WHERE external_id = ? AND seq < ?`,
		externalID, seq-int64(keep),
	); err != nil {
		return fmt.Errorf("failed to trim history for %s: %w", externalID, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO conversation_state (external_id, summary, next_seq)
		 VALUES (?, ?, ?)
		 ON CONFLICT(external_id) DO UPDATE SET summary = ?, updated_at = CURRENT_TIMESTAMP`,
		externalID, summary, seq, summary,
	); err != nil {
		return fmt.Errorf("failed to store summary for %s: %w", externalID, err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logging.Store("compacted history for %s (kept %d turns)", externalID, keep)
	return nil
}

func nextSeq(tx *sql.Tx, externalID string) (int64, error) {
	var seq int64
	err := tx.QueryRow(
		`SELECT next_seq FROM conversation_state WHERE external_id = ?`, externalID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence for %s: %w", externalID, err)
	}
	return seq, nil
}
