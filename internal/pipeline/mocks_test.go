package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/fredamaraljr/whatsapp-agent/internal/persona"
	"github.com/fredamaraljr/whatsapp-agent/internal/types"
	"github.com/fredamaraljr/whatsapp-agent/internal/users"
)

type fakeLLM struct {
	mu sync.Mutex

	routeLabel string
	routeErr   error

	completeReply string
	completeErr   error

	textResponses map[string]string // prefix match on prompt
	textErr       error

	imageBytes []byte
	imageErr   error
	audioBytes []byte
	audioErr   error

	completeCalls  []string // system prompts seen
	routeCalls     int
	lastTurnCount  int
	imagePrompts   []string
	synthesizedFor []string
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		routeLabel:    "conversation",
		completeReply: "hello from the companion",
		textResponses: map[string]string{},
		imageBytes:    []byte{1, 2, 3},
		audioBytes:    []byte{4, 5, 6},
	}
}

func (f *fakeLLM) Complete(ctx context.Context, system string, turns []types.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls = append(f.completeCalls, system)
	f.lastTurnCount = len(turns)
	return f.completeReply, f.completeErr
}

func (f *fakeLLM) CompleteText(ctx context.Context, system, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.textErr != nil {
		return "", f.textErr
	}
	for prefix, resp := range f.textResponses {
		if len(prompt) >= len(prefix) && prompt[:len(prefix)] == prefix {
			return resp, nil
		}
	}
	return "generic text", nil
}

func (f *fakeLLM) Route(ctx context.Context, system string, turns []types.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routeCalls++
	return f.routeLabel, f.routeErr
}

func (f *fakeLLM) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imagePrompts = append(f.imagePrompts, prompt)
	return f.imageBytes, f.imageErr
}

func (f *fakeLLM) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synthesizedFor = append(f.synthesizedFor, text)
	return f.audioBytes, f.audioErr
}

func (f *fakeLLM) systems() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.completeCalls...)
}

// fakeIdentities drives identification and verification.
type fakeIdentities struct {
	mu         sync.Mutex
	identities map[string]*types.Identity
	first      map[string]bool
	stepErr    error
	log        []string
}

func newFakeIdentities() *fakeIdentities {
	return &fakeIdentities{
		identities: make(map[string]*types.Identity),
		first:      make(map[string]bool),
	}
}

func (f *fakeIdentities) add(id string, group types.Group, verified bool) {
	f.identities[id] = &types.Identity{ExternalID: id, Group: group, Verified: verified}
}

func (f *fakeIdentities) Resolve(id string) (*types.Identity, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.identities[id]; ok {
		copied := *existing
		return &copied, false, nil
	}
	created := &types.Identity{ExternalID: id, Group: types.GroupUnverified}
	f.identities[id] = created
	copied := *created
	return &copied, true, nil
}

func (f *fakeIdentities) Step(id string, state users.VerificationState, answer string) (users.VerifyOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch state {
	case users.VerificationNotStarted:
		return users.VerifyOutcome{State: users.VerificationPrompted, Message: users.VerificationQuestion}, nil
	case users.VerificationPrompted:
		group, ok := users.MatchGroup(answer)
		if !ok {
			return users.VerifyOutcome{State: users.VerificationPrompted, Message: users.RetryPrompt}, nil
		}
		if f.stepErr != nil {
			return users.VerifyOutcome{State: users.VerificationPrompted, Message: users.RetryPrompt}, f.stepErr
		}
		f.identities[id].Group = group
		f.identities[id].Verified = true
		return users.VerifyOutcome{State: users.VerificationResolved, Group: group, Message: users.Confirmation(group)}, nil
	}
	return users.VerifyOutcome{State: state}, nil
}

func (f *fakeIdentities) LogInteraction(id, kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, id+":"+kind)
}

type fakeCommands struct {
	mu       sync.Mutex
	executed []string
	reply    string
}

func (f *fakeCommands) Execute(message string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, message)
	if f.reply != "" {
		return f.reply
	}
	return "command done"
}

type fakeMemories struct {
	mu        sync.Mutex
	recall    string
	extracted []string
}

func (f *fakeMemories) Recall(ctx context.Context, id string, recent []types.Turn) string {
	return f.recall
}

func (f *fakeMemories) ExtractAndStore(id, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extracted = append(f.extracted, message)
}

func (f *fakeMemories) extractedMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.extracted...)
}

type fakeKnowledge struct{ context string }

func (f *fakeKnowledge) Search(ctx context.Context, query string) string { return f.context }

type fakeActivity struct{ activity string }

func (f *fakeActivity) CurrentActivity() string { return f.activity }

type fakePersonas struct{}

func (fakePersonas) SystemPrompt(group types.Group, e persona.Enrichment) string {
	return fmt.Sprintf("persona[%s] memory=%s activity=%s knowledge=%s",
		group, e.MemoryContext, e.CurrentActivity, e.KnowledgeContext)
}

type fakeConversations struct {
	mu       sync.Mutex
	history  map[string][]types.Turn
	summary  map[string]string
	loadErr  error
	trimmed  map[string]int
	appended map[string]int
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		history:  make(map[string][]types.Turn),
		summary:  make(map[string]string),
		trimmed:  make(map[string]int),
		appended: make(map[string]int),
	}
}

func (f *fakeConversations) LoadConversation(id string) ([]types.Turn, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, "", f.loadErr
	}
	return append([]types.Turn{}, f.history[id]...), f.summary[id], nil
}

func (f *fakeConversations) AppendTurns(id string, turns []types.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[id] = append(f.history[id], turns...)
	f.appended[id] += len(turns)
	return nil
}

func (f *fakeConversations) SetSummaryAndTrim(id, summary string, keep int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summary[id] = summary
	f.trimmed[id] = keep
	if len(f.history[id]) > keep {
		f.history[id] = append([]types.Turn{}, f.history[id][len(f.history[id])-keep:]...)
	}
	return nil
}

func (f *fakeConversations) stored(id string) []types.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Turn{}, f.history[id]...)
}
