// Package users resolves inbound senders to persistent identities and
// runs the group verification exchange for new ones.
package users

import (
	"fmt"

	"github.com/fredamaraljr/whatsapp-agent/internal/logging"
	"github.com/fredamaraljr/whatsapp-agent/internal/store"
	"github.com/fredamaraljr/whatsapp-agent/internal/types"
)

// IdentityStore is the persistence surface the manager needs.
type IdentityStore interface {
	GetUser(externalID string) (*types.Identity, error)
	CreateUser(externalID string, isPrivileged bool) (*types.Identity, error)
	SetGroupVerified(externalID string, group types.Group) error
	IncrementMessageCount(externalID string) error
	LogInteraction(externalID, kind string) error
	GetAggregateStats() (*store.AggregateStats, error)
}

// Manager owns identity resolution.
type Manager struct {
	store        IdentityStore
	privilegedID string
}

// NewManager builds a manager. privilegedID may be empty, in which case
// no sender is ever created privileged.
func NewManager(st IdentityStore, privilegedID string) *Manager {
	return &Manager{store: st, privilegedID: privilegedID}
}

// Resolve returns the identity for a sender, creating it on first
// contact, and bumps the persisted message counter. The second return
// is true exactly when the record was just created.
func (m *Manager) Resolve(externalID string) (*types.Identity, bool, error) {
	if externalID == "" {
		return nil, false, fmt.Errorf("empty sender id")
	}

	id, err := m.store.GetUser(externalID)
	if err != nil {
		return nil, false, err
	}
	first := false
	if id == nil {
		isPrivileged := m.privilegedID != "" && externalID == m.privilegedID
		id, err = m.store.CreateUser(externalID, isPrivileged)
		if err != nil {
			return nil, false, err
		}
		first = true
		logging.Users("first contact from %s (group=%s)", externalID, id.Group)
	}

	// The counter is advisory; a lost bump never fails the turn.
	if err := m.store.IncrementMessageCount(externalID); err != nil {
		logging.Get(logging.CategoryUsers).Warn("failed to bump message count for %s: %v", externalID, err)
	} else {
		id.MessageCount++
	}
	return id, first, nil
}

// LogInteraction records an interaction of the given kind (text, image,
// audio, command). Failures are logged, not propagated; the log is
// advisory.
func (m *Manager) LogInteraction(externalID, kind string) {
	if err := m.store.LogInteraction(externalID, kind); err != nil {
		logging.Get(logging.CategoryUsers).Warn("failed to log %s interaction for %s: %v", kind, externalID, err)
	}
}

// Stats surfaces the aggregate identity statistics.
func (m *Manager) Stats() (*store.AggregateStats, error) {
	return m.store.GetAggregateStats()
}
