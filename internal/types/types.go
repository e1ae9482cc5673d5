// Package types provides shared type definitions used across whatsapp-agent packages.
// This package exists to break import cycles between flow, users, and pipeline.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleCompanion Role = "companion"
)

// Modality is the reply medium chosen for a turn.
type Modality string

const (
	ModalityConversation Modality = "conversation"
	ModalityImage        Modality = "image"
	ModalityAudio        Modality = "audio"
)

// ValidModality reports whether m is one of the three routable modalities.
func ValidModality(m Modality) bool {
	switch m {
	case ModalityConversation, ModalityImage, ModalityAudio:
		return true
	}
	return false
}

// Group is the persona/access category assigned to an identity.
type Group string

const (
	GroupPrivileged Group = "privileged"
	GroupA          Group = "groupA"
	GroupB          Group = "groupB"
	GroupC          Group = "groupC"
	GroupD          Group = "groupD"
	GroupUnverified Group = "unverified"
)

// VerifiableGroups are the terminal groups an unverified identity may be
// assigned to. Privileged is excluded: it is only ever assigned at record
// creation from the configured privileged identifier.
var VerifiableGroups = []Group{GroupA, GroupB, GroupC, GroupD}

// Turn is one message in a conversation: an inbound user message, a
// companion reply, or a synthetic turn injected by a generator.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	MediaPath string    `json:"media_path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTurn builds a turn with a fresh stable id.
func NewTurn(role Role, text string) Turn {
	return Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		CreatedAt: time.Now(),
	}
}

// Identity is the persistent record mapping an external sender to
// group and verification status.
type Identity struct {
	ExternalID       string
	Group            Group
	Verified         bool
	FirstInteraction time.Time
	LastInteraction  time.Time
	MessageCount     int
}

// Reply is the outward result of one pipeline run: the companion turns
// appended during the run plus any generated artifact handles.
type Reply struct {
	Turns     []Turn
	ImagePath string
	AudioPath string
}

// Text joins the reply turns into a single outbound text.
func (r Reply) Text() string {
	switch len(r.Turns) {
	case 0:
		return ""
	case 1:
		return r.Turns[0].Text
	}
	out := r.Turns[0].Text
	for _, t := range r.Turns[1:] {
		out += "\n" + t.Text
	}
	return out
}
