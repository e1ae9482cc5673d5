package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fredamaraljr/whatsapp-agent/internal/config"
	"github.com/fredamaraljr/whatsapp-agent/internal/types"
	"github.com/fredamaraljr/whatsapp-agent/internal/users"
)

func TestMain(m *testing.M) {
	// opencensus (pulled in by the genai dependency) starts a permanent
	// worker goroutine in its init.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type harness struct {
	p             *Pipeline
	llm           *fakeLLM
	identities    *fakeIdentities
	commands      *fakeCommands
	memories      *fakeMemories
	knowledge     *fakeKnowledge
	activity      *fakeActivity
	conversations *fakeConversations
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		llm:           newFakeLLM(),
		identities:    newFakeIdentities(),
		commands:      &fakeCommands{},
		memories:      &fakeMemories{},
		knowledge:     &fakeKnowledge{},
		activity:      &fakeActivity{},
		conversations: newFakeConversations(),
	}

	p, err := New(Deps{
		LLM:           h.llm,
		Identities:    h.identities,
		Commands:      h.commands,
		Memories:      h.memories,
		Knowledge:     h.knowledge,
		Activity:      h.activity,
		Personas:      fakePersonas{},
		Conversations: h.conversations,
		Pipeline: config.PipelineConfig{
			RouterWindow:     3,
			SummaryTrigger:   20,
			SummaryKeep:      5,
			KnowledgeTopK:    3,
			PassageCharLimit: 500,
			MemoryWindow:     3,
		},
		ArtifactsDir: t.TempDir(),
		Name:         "Ava",
	})
	require.NoError(t, err)
	h.p = p
	return h
}

func TestNewRejectsMissingCollaborator(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestFirstContactGetsVerificationQuestion(t *testing.T) {
	h := newHarness(t)

	reply, err := h.p.Handle(context.Background(), "alice", "hi there")
	require.NoError(t, err)
	assert.Equal(t, users.VerificationQuestion, reply.Text())

	// No generation happened.
	assert.Empty(t, h.llm.systems())
	assert.Zero(t, h.llm.routeCalls)

	// Inbound + question persisted.
	stored := h.conversations.stored("alice")
	require.Len(t, stored, 2)
	assert.Equal(t, types.RoleUser, stored[0].Role)
	assert.Equal(t, types.RoleCompanion, stored[1].Role)
}

func TestVerificationAnswerResolvesGroup(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupUnverified, false)

	reply, err := h.p.Handle(context.Background(), "alice", "3")
	require.NoError(t, err)
	assert.Equal(t, users.Confirmation(types.GroupC), reply.Text())
	assert.Equal(t, types.GroupC, h.identities.identities["alice"].Group)
	assert.True(t, h.identities.identities["alice"].Verified)
}

func TestVerificationUnrecognizedAnswerRetries(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupUnverified, false)

	reply, err := h.p.Handle(context.Background(), "alice", "no idea what you mean")
	require.NoError(t, err)
	assert.Equal(t, users.RetryPrompt, reply.Text())
	assert.False(t, h.identities.identities["alice"].Verified)
}

func TestVerificationPersistFailureStillReplies(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupUnverified, false)
	h.identities.stepErr = fmt.Errorf("disk full")

	reply, err := h.p.Handle(context.Background(), "alice", "2")
	require.NoError(t, err)
	assert.Equal(t, users.RetryPrompt, reply.Text())
	assert.False(t, h.identities.identities["alice"].Verified)
}

func TestVerifiedUserGetsConversationReply(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupC, true)
	h.memories.recall = "- Loves ramen"
	h.knowledge.context = "[doc] ramen facts"
	h.activity.activity = "painting"

	reply, err := h.p.Handle(context.Background(), "alice", "what do you know about ramen?")
	require.NoError(t, err)
	assert.Equal(t, "hello from the companion", reply.Text())

	// Enrichment reached the persona.
	systems := h.llm.systems()
	require.Len(t, systems, 1)
	assert.Contains(t, systems[0], "persona[groupC]")
	assert.Contains(t, systems[0], "Loves ramen")
	assert.Contains(t, systems[0], "painting")
	assert.Contains(t, systems[0], "ramen facts")

	// Extraction was kicked off with the inbound text.
	assert.Equal(t, []string{"what do you know about ramen?"}, h.memories.extractedMessages())
}

func TestSummaryInjectedIntoSystemPrompt(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupA, true)
	h.conversations.summary["alice"] = "they discussed aviation"

	_, err := h.p.Handle(context.Background(), "alice", "hi again")
	require.NoError(t, err)

	systems := h.llm.systems()
	require.Len(t, systems, 1)
	assert.Contains(t, systems[0], "they discussed aviation")
}

func TestPrivilegedCommandDispatched(t *testing.T) {
	h := newHarness(t)
	h.identities.add("op", types.GroupPrivileged, true)
	h.commands.reply = "stats here"

	reply, err := h.p.Handle(context.Background(), "op", "/stats")
	require.NoError(t, err)
	assert.Equal(t, "stats here", reply.Text())
	assert.Equal(t, []string{"/stats"}, h.commands.executed)

	// Command turns skip generation.
	assert.Zero(t, h.llm.routeCalls)
}

func TestPrivilegedPlainMessageFlowsNormally(t *testing.T) {
	h := newHarness(t)
	h.identities.add("op", types.GroupPrivileged, true)

	reply, err := h.p.Handle(context.Background(), "op", "good morning")
	require.NoError(t, err)
	assert.Equal(t, "hello from the companion", reply.Text())
	assert.Empty(t, h.commands.executed)
}

func TestNonPrivilegedSlashMessageIsNotACommand(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupB, true)

	_, err := h.p.Handle(context.Background(), "alice", "/stats")
	require.NoError(t, err)
	assert.Empty(t, h.commands.executed)
	assert.Equal(t, 1, h.llm.routeCalls)
}

func TestRouterFaultDegradesToConversation(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupA, true)
	h.llm.routeErr = fmt.Errorf("api down")

	reply, err := h.p.Handle(context.Background(), "alice", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello from the companion", reply.Text())
}

func TestRouterUnknownLabelDegradesToConversation(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupA, true)
	h.llm.routeLabel = "video"

	reply, err := h.p.Handle(context.Background(), "alice", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello from the companion", reply.Text())
}

func TestImageModality(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupA, true)
	h.llm.routeLabel = "image"
	h.llm.textResponses["Create an engaging first-person scenario"] =
		`{"narrative": "I'm at the lake", "image_prompt": "a serene lake at sunset"}`

	reply, err := h.p.Handle(context.Background(), "alice", "show me where you are")
	require.NoError(t, err)

	require.NotEmpty(t, reply.ImagePath)
	data, err := os.ReadFile(reply.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, []string{"a serene lake at sunset"}, h.llm.imagePrompts)
	assert.Equal(t, "hello from the companion", reply.Text())

	// The synthetic attachment turn was persisted between inbound and
	// reply, and the reply turn carries the artifact path.
	stored := h.conversations.stored("alice")
	require.Len(t, stored, 3)
	assert.Contains(t, stored[1].Text, "<image attached by Ava")
	assert.Equal(t, types.RoleUser, stored[1].Role)
	assert.Equal(t, reply.ImagePath, stored[2].MediaPath)
}

func TestImageGenerationFaultYieldsApology(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupA, true)
	h.llm.routeLabel = "image"
	h.llm.textResponses["Create an engaging first-person scenario"] =
		`{"narrative": "n", "image_prompt": "p"}`
	h.llm.imageErr = fmt.Errorf("model refused")

	reply, err := h.p.Handle(context.Background(), "alice", "draw something")
	require.NoError(t, err)
	assert.Equal(t, apologyText, reply.Text())
	assert.Empty(t, reply.ImagePath)
}

func TestAudioModality(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupA, true)
	h.llm.routeLabel = "audio"

	reply, err := h.p.Handle(context.Background(), "alice", "say it out loud")
	require.NoError(t, err)

	require.NotEmpty(t, reply.AudioPath)
	data, err := os.ReadFile(reply.AudioPath)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6}, data)
	assert.Equal(t, []string{"hello from the companion"}, h.llm.synthesizedFor)
	assert.Equal(t, "hello from the companion", reply.Text())

	stored := h.conversations.stored("alice")
	require.Len(t, stored, 2)
	assert.Equal(t, reply.AudioPath, stored[1].MediaPath)
}

func TestConversationFaultYieldsApology(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupA, true)
	h.llm.completeErr = fmt.Errorf("model overloaded")

	reply, err := h.p.Handle(context.Background(), "alice", "hello")
	require.NoError(t, err)
	assert.Equal(t, apologyText, reply.Text())

	// Inbound + apology persisted for the next turn.
	stored := h.conversations.stored("alice")
	require.Len(t, stored, 2)
	assert.Equal(t, apologyText, stored[1].Text)
}

func TestCompactionTriggersPastThreshold(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupA, true)
	h.llm.textResponses["This is the summary"] = "an extended summary"
	h.llm.textResponses["Distill the conversation"] = "a fresh summary"

	for i := 0; i < 21; i++ {
		h.conversations.history["alice"] = append(h.conversations.history["alice"],
			types.NewTurn(types.RoleUser, fmt.Sprintf("msg %d", i)))
	}

	_, err := h.p.Handle(context.Background(), "alice", "one more")
	require.NoError(t, err)

	assert.Equal(t, "a fresh summary", h.conversations.summary["alice"])
	assert.Equal(t, 5, h.conversations.trimmed["alice"])
}

func TestCompactionUsesExtendPromptWithPriorSummary(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupA, true)
	h.conversations.summary["alice"] = "old summary"
	h.llm.textResponses["This is the summary"] = "an extended summary"

	for i := 0; i < 21; i++ {
		h.conversations.history["alice"] = append(h.conversations.history["alice"],
			types.NewTurn(types.RoleUser, fmt.Sprintf("msg %d", i)))
	}

	_, err := h.p.Handle(context.Background(), "alice", "one more")
	require.NoError(t, err)
	assert.Equal(t, "an extended summary", h.conversations.summary["alice"])
}

func TestNoCompactionBelowThreshold(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupA, true)

	_, err := h.p.Handle(context.Background(), "alice", "hello")
	require.NoError(t, err)
	assert.Empty(t, h.conversations.summary["alice"])
	assert.Zero(t, h.conversations.trimmed["alice"])
}

func TestSummarizationFaultSkipsCompaction(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupA, true)
	h.llm.textErr = fmt.Errorf("api down")

	for i := 0; i < 21; i++ {
		h.conversations.history["alice"] = append(h.conversations.history["alice"],
			types.NewTurn(types.RoleUser, fmt.Sprintf("msg %d", i)))
	}

	reply, err := h.p.Handle(context.Background(), "alice", "one more")
	require.NoError(t, err)
	assert.Equal(t, "hello from the companion", reply.Text())
	assert.Empty(t, h.conversations.summary["alice"])
}

func TestEmptySenderRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.Handle(context.Background(), "", "hi")
	assert.Error(t, err)
}

func TestLoadFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.conversations.loadErr = fmt.Errorf("db gone")

	_, err := h.p.Handle(context.Background(), "alice", "hi")
	assert.Error(t, err)
}

func TestSameSenderTurnsSerialized(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupA, true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := h.p.Handle(context.Background(), "alice", fmt.Sprintf("msg %d", n))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Every turn persisted both its inbound and its reply.
	stored := h.conversations.stored("alice")
	assert.Len(t, stored, 16)
}

func TestGeneratorSeesFullHistory(t *testing.T) {
	h := newHarness(t)
	h.identities.add("alice", types.GroupA, true)
	for i := 0; i < 10; i++ {
		h.conversations.history["alice"] = append(h.conversations.history["alice"],
			types.NewTurn(types.RoleUser, "old"))
	}

	_, err := h.p.Handle(context.Background(), "alice", "hello")
	require.NoError(t, err)
	assert.Equal(t, 11, h.llm.lastTurnCount)
}

func TestInteractionKindsLogged(t *testing.T) {
	h := newHarness(t)
	h.identities.add("op", types.GroupPrivileged, true)
	h.identities.add("alice", types.GroupA, true)

	// Each turn logs exactly one kind; command and verification turns
	// must not also count as text.
	_, err := h.p.Handle(context.Background(), "op", "/help")
	require.NoError(t, err)
	assert.Equal(t, []string{"op:command"}, h.identities.log)

	_, err = h.p.Handle(context.Background(), "newbie", "hi")
	require.NoError(t, err)
	assert.Equal(t, []string{"op:command", "newbie:verification"}, h.identities.log)

	_, err = h.p.Handle(context.Background(), "alice", "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"op:command", "newbie:verification", "alice:text"}, h.identities.log)
}

func TestApologyNotSentWhenVerifying(t *testing.T) {
	// A generation outage must not affect verification turns, which
	// never call the generator.
	h := newHarness(t)
	h.llm.completeErr = fmt.Errorf("api down")

	reply, err := h.p.Handle(context.Background(), "newcomer", "hello")
	require.NoError(t, err)
	assert.Equal(t, users.VerificationQuestion, reply.Text())
}

func TestReplyTextJoinsMultipleTurns(t *testing.T) {
	r := types.Reply{Turns: []types.Turn{
		types.NewTurn(types.RoleCompanion, "part one"),
		types.NewTurn(types.RoleCompanion, "part two"),
	}}
	assert.True(t, strings.Contains(r.Text(), "part one"))
	assert.True(t, strings.Contains(r.Text(), "part two"))
}
