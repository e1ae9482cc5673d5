package users

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fredamaraljr/whatsapp-agent/internal/logging"
	"github.com/fredamaraljr/whatsapp-agent/internal/types"
)

// VerificationState is the per-sender progress through the group
// verification exchange.
type VerificationState int

const (
	// VerificationNotStarted: no question has been sent yet.
	VerificationNotStarted VerificationState = iota
	// VerificationPrompted: the question went out, the next inbound
	// message is treated as the answer.
	VerificationPrompted
	// VerificationResolved: a terminal group is assigned.
	VerificationResolved
)

func (s VerificationState) String() string {
	switch s {
	case VerificationNotStarted:
		return "not_started"
	case VerificationPrompted:
		return "prompted"
	case VerificationResolved:
		return "resolved"
	}
	return fmt.Sprintf("VerificationState(%d)", int(s))
}

// verificationEvent drives the state machine.
type verificationEvent int

const (
	eventPrompt verificationEvent = iota
	eventMatched
	eventUnrecognized
)

// verificationTransitions is the full transition table. Any (state,
// event) pair absent here is illegal and leaves the state unchanged.
var verificationTransitions = map[VerificationState]map[verificationEvent]VerificationState{
	VerificationNotStarted: {
		eventPrompt: VerificationPrompted,
	},
	VerificationPrompted: {
		eventMatched:      VerificationResolved,
		eventUnrecognized: VerificationPrompted,
	},
}

func transition(from VerificationState, ev verificationEvent) (VerificationState, bool) {
	next, ok := verificationTransitions[from][ev]
	if !ok {
		return from, false
	}
	return next, ok
}

// groupToken maps a recognizable substring to a terminal group. Order
// matters: the first token found in the answer wins.
type groupToken struct {
	token string
	group types.Group
}

var groupTokens = buildGroupTokens()

// buildGroupTokens derives the ordered token table from the verifiable
// groups: each option number, then the group name and its spaced alias
// ("groupa", "group a").
func buildGroupTokens() []groupToken {
	var out []groupToken
	for i, g := range types.VerifiableGroups {
		name := strings.ToLower(string(g))
		out = append(out,
			groupToken{strconv.Itoa(i + 1), g},
			groupToken{name, g},
			groupToken{strings.Replace(name, "group", "group ", 1), g},
		)
	}
	return out
}

// MatchGroup scans an answer for the first group token,
// case-insensitively. Returns false when nothing matches.
func MatchGroup(answer string) (types.Group, bool) {
	lower := strings.ToLower(strings.TrimSpace(answer))
	for _, gt := range groupTokens {
		if strings.Contains(lower, gt.token) {
			return gt.group, true
		}
	}
	return "", false
}

// VerificationQuestion is sent once to every new non-privileged sender.
const VerificationQuestion = `Hello! Welcome! 👋

So I can help you best, I need to know a little more about you.

Are you:
1. A member of group A
2. A member of group B
3. A member of group C
4. A member of group D

Please reply with the number of the option that applies to you.`

// RetryPrompt is sent when the answer matched no token.
const RetryPrompt = "Sorry, I didn't understand your answer. Please reply with the number (1, 2, 3 or 4) that matches your group."

var confirmations = map[types.Group]string{
	types.GroupA: "Great! You've been identified as a member of group A. How can I help you today?",
	types.GroupB: "Perfect! You've been identified as a member of group B. What would you like to talk about?",
	types.GroupC: "Excellent! You've been identified as a member of group C. What can I do for you?",
	types.GroupD: "Great! You've been identified as a member of group D. What would you like to chat about?",
}

// Confirmation returns the group-specific acknowledgement sent after a
// successful verification.
func Confirmation(group types.Group) string {
	if msg, ok := confirmations[group]; ok {
		return msg
	}
	return "You're all set. How can I help?"
}

// VerifyOutcome is the result of one verification step.
type VerifyOutcome struct {
	State   VerificationState
	Group   types.Group // set when State is VerificationResolved
	Message string      // text to send to the sender, "" for none
}

// Step advances the verification exchange for a sender. isAnswer is true
// when the inbound message should be read as an answer to an
// already-sent question (the Prompted state); otherwise the question is
// sent first.
func (m *Manager) Step(externalID string, state VerificationState, answer string) (VerifyOutcome, error) {
	switch state {
	case VerificationNotStarted:
		next, _ := transition(state, eventPrompt)
		logging.Users("verification prompt sent to %s", externalID)
		return VerifyOutcome{State: next, Message: VerificationQuestion}, nil

	case VerificationPrompted:
		group, ok := MatchGroup(answer)
		if !ok {
			next, _ := transition(state, eventUnrecognized)
			logging.Users("verification answer from %s not recognized", externalID)
			return VerifyOutcome{State: next, Message: RetryPrompt}, nil
		}

		// The group write must land before the state advances; on
		// failure the sender stays prompted and answers again next turn.
		if err := m.store.SetGroupVerified(externalID, group); err != nil {
			return VerifyOutcome{State: state, Message: RetryPrompt},
				fmt.Errorf("failed to persist verification for %s: %w", externalID, err)
		}

		next, _ := transition(state, eventMatched)
		logging.Users("verification resolved for %s: %s", externalID, group)
		return VerifyOutcome{State: next, Group: group, Message: Confirmation(group)}, nil

	case VerificationResolved:
		return VerifyOutcome{State: state}, nil
	}

	return VerifyOutcome{State: state}, fmt.Errorf("unknown verification state %v", state)
}
