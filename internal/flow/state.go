package flow

import (
	"github.com/fredamaraljr/whatsapp-agent/internal/types"
)

// State is the mutable session record threaded through one pipeline run.
// It is constructed at turn start from persisted identity and history,
// mutated in place by each node, and discarded after the terminal node.
// The engine owns it exclusively for the duration of the run.
type State struct {
	// SenderID is the external identifier of the inbound message sender.
	SenderID string

	// History is the ordered conversation, oldest first. Append-only
	// except during compaction, which removes a prefix.
	History []types.Turn

	// Summary is the running summary replacing compacted history.
	Summary string

	// Modality is set exactly once per turn by the router and never
	// mutated afterward.
	Modality types.Modality

	// Identity is the resolved sender record.
	Identity types.Identity

	// Control-flow flags, cleared once consumed.
	IsFirstInteraction   bool
	AwaitingVerification bool

	// Enrichment attached before generation.
	Activity         string
	ActivityChanged  bool
	MemoryContext    string
	KnowledgeContext string

	// Artifact handles produced this turn.
	ImagePath string
	AudioPath string

	// Compacted marks that this run replaced a history prefix with the
	// summary; the turn runner mirrors the trim to the store.
	Compacted bool

	// newTurns records every turn added during this run (inbound,
	// synthetic, and replies) for persistence. Compaction trims History
	// but never touches this.
	newTurns []types.Turn
}

// NewState builds a run state with the inbound message appended.
func NewState(senderID string, history []types.Turn, summary string, inbound types.Turn) *State {
	return &State{
		SenderID: senderID,
		History:  append(append([]types.Turn{}, history...), inbound),
		Summary:  summary,
		newTurns: []types.Turn{inbound},
	}
}

// LastUserText returns the text of the most recent user turn, or "".
func (s *State) LastUserText() string {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == types.RoleUser {
			return s.History[i].Text
		}
	}
	return ""
}

// Tail returns up to n trailing turns of history.
func (s *State) Tail(n int) []types.Turn {
	if n <= 0 || n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// AppendReply appends a companion turn and returns it.
func (s *State) AppendReply(text string) types.Turn {
	t := types.NewTurn(types.RoleCompanion, text)
	s.History = append(s.History, t)
	s.newTurns = append(s.newTurns, t)
	return t
}

// AppendMediaReply appends a companion turn carrying a generated
// artifact path.
func (s *State) AppendMediaReply(text, mediaPath string) types.Turn {
	t := types.NewTurn(types.RoleCompanion, text)
	t.MediaPath = mediaPath
	s.History = append(s.History, t)
	s.newTurns = append(s.newTurns, t)
	return t
}

// AppendSynthetic appends a synthetic user-role turn (e.g. the
// "<image attached ...>" marker injected before final generation).
func (s *State) AppendSynthetic(text string) types.Turn {
	t := types.NewTurn(types.RoleUser, text)
	s.History = append(s.History, t)
	s.newTurns = append(s.newTurns, t)
	return t
}

// Compact drops all but the last keep turns from history.
func (s *State) Compact(keep int) {
	if keep > 0 && len(s.History) > keep {
		s.History = append([]types.Turn{}, s.History[len(s.History)-keep:]...)
	}
}

// Reply collects the companion turns appended during this run plus
// artifact handles.
func (s *State) Reply() types.Reply {
	r := types.Reply{ImagePath: s.ImagePath, AudioPath: s.AudioPath}
	for _, t := range s.newTurns {
		if t.Role == types.RoleCompanion {
			r.Turns = append(r.Turns, t)
		}
	}
	return r
}

// NewTurns returns every turn added during this run, synthetic ones
// included, for persistence by the turn runner.
func (s *State) NewTurns() []types.Turn {
	return s.newTurns
}
