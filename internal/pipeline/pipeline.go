// Package pipeline wires the per-turn graph: identity, verification,
// command dispatch, enrichment, routing, generation, and compaction.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/fredamaraljr/whatsapp-agent/internal/config"
	"github.com/fredamaraljr/whatsapp-agent/internal/flow"
	"github.com/fredamaraljr/whatsapp-agent/internal/logging"
	"github.com/fredamaraljr/whatsapp-agent/internal/persona"
	"github.com/fredamaraljr/whatsapp-agent/internal/types"
	"github.com/fredamaraljr/whatsapp-agent/internal/users"
)

// LLMClient is the generation surface the pipeline needs.
type LLMClient interface {
	Complete(ctx context.Context, system string, turns []types.Turn) (string, error)
	CompleteText(ctx context.Context, system, prompt string) (string, error)
	Route(ctx context.Context, system string, turns []types.Turn) (string, error)
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// IdentityService resolves senders and runs verification steps.
type IdentityService interface {
	Resolve(externalID string) (*types.Identity, bool, error)
	Step(externalID string, state users.VerificationState, answer string) (users.VerifyOutcome, error)
	LogInteraction(externalID, kind string)
}

// CommandDispatcher executes privileged slash commands.
type CommandDispatcher interface {
	Execute(message string) string
}

// MemoryService recalls and extracts long-term memories.
type MemoryService interface {
	Recall(ctx context.Context, externalID string, recent []types.Turn) string
	ExtractAndStore(externalID, message string)
}

// KnowledgeService retrieves reference passages.
type KnowledgeService interface {
	Search(ctx context.Context, query string) string
}

// ActivityService answers what the companion is doing right now.
type ActivityService interface {
	CurrentActivity() string
}

// PersonaService builds the group's system prompt.
type PersonaService interface {
	SystemPrompt(group types.Group, e persona.Enrichment) string
}

// ConversationStore persists turns and summaries.
type ConversationStore interface {
	LoadConversation(externalID string) ([]types.Turn, string, error)
	AppendTurns(externalID string, turns []types.Turn) error
	SetSummaryAndTrim(externalID, summary string, keep int) error
}

// Deps are the injected collaborators. All are required.
type Deps struct {
	LLM           LLMClient
	Identities    IdentityService
	Commands      CommandDispatcher
	Memories      MemoryService
	Knowledge     KnowledgeService
	Activity      ActivityService
	Personas      PersonaService
	Conversations ConversationStore

	Pipeline     config.PipelineConfig
	ArtifactsDir string
	Name         string // companion display name, used in synthetic turns
}

// apologyText is the reply when generation aborts the run.
const apologyText = "Sorry, I'm having trouble replying right now. Give me a moment and try again?"

// Pipeline executes one conversational turn per Handle call. Turns for
// the same sender are serialized; different senders run concurrently.
type Pipeline struct {
	llm           LLMClient
	identities    IdentityService
	commands      CommandDispatcher
	memories      MemoryService
	knowledge     KnowledgeService
	activity      ActivityService
	personas      PersonaService
	conversations ConversationStore

	cfg          config.PipelineConfig
	artifactsDir string
	name         string

	graph *flow.Graph

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// lastActivity remembers each sender's activity from their previous
	// turn so the context node can flag a change.
	activityMu   sync.Mutex
	lastActivity map[string]string
}

// New builds and compiles the pipeline graph.
func New(d Deps) (*Pipeline, error) {
	if d.LLM == nil || d.Identities == nil || d.Commands == nil || d.Memories == nil ||
		d.Knowledge == nil || d.Activity == nil || d.Personas == nil || d.Conversations == nil {
		return nil, fmt.Errorf("pipeline: missing collaborator")
	}
	name := d.Name
	if name == "" {
		name = "Ava"
	}

	p := &Pipeline{
		llm:           d.LLM,
		identities:    d.Identities,
		commands:      d.Commands,
		memories:      d.Memories,
		knowledge:     d.Knowledge,
		activity:      d.Activity,
		personas:      d.Personas,
		conversations: d.Conversations,
		cfg:           d.Pipeline,
		artifactsDir:  d.ArtifactsDir,
		name:          name,
		locks:         make(map[string]*sync.Mutex),
		lastActivity:  make(map[string]string),
	}

	g := flow.NewGraph()
	g.AddNode("identify", p.identifyNode)
	g.AddNode("verify", p.verifyNode)
	g.AddNode("admin", p.adminNode)
	g.AddNode("memory_extract", p.memoryExtractNode)
	g.AddNode("router", p.routerNode)
	g.AddNode("context", p.contextNode)
	g.AddNode("enrich", p.enrichNode)
	g.AddNode("conversation", p.conversationNode)
	g.AddNode("image", p.imageNode)
	g.AddNode("audio", p.audioNode)
	g.AddNode("summarize", p.summarizeNode)

	g.SetEntry("identify")
	g.AddConditionalEdges("identify", p.afterIdentify, "verify", "admin", "memory_extract")
	g.AddEdge("verify", flow.End)
	g.AddEdge("admin", flow.End)
	g.AddEdge("memory_extract", "router")
	g.AddEdge("router", "context")
	g.AddEdge("context", "enrich")
	g.AddConditionalEdges("enrich", p.selectWorkflow, "conversation", "image", "audio")
	g.AddConditionalEdges("conversation", p.shouldSummarize, "summarize", flow.End)
	g.AddConditionalEdges("image", p.shouldSummarize, "summarize", flow.End)
	g.AddConditionalEdges("audio", p.shouldSummarize, "summarize", flow.End)
	g.AddEdge("summarize", flow.End)

	if err := g.Compile(); err != nil {
		return nil, fmt.Errorf("pipeline graph: %w", err)
	}
	p.graph = g
	return p, nil
}

// Handle runs one inbound message through the graph and returns the
// reply. A generation fault aborts the run and yields an apology reply;
// Handle itself only errors when the turn could not even start.
func (p *Pipeline) Handle(ctx context.Context, senderID, text string) (types.Reply, error) {
	if senderID == "" {
		return types.Reply{}, fmt.Errorf("empty sender id")
	}

	lock := p.senderLock(senderID)
	lock.Lock()
	defer lock.Unlock()

	history, summary, err := p.conversations.LoadConversation(senderID)
	if err != nil {
		return types.Reply{}, fmt.Errorf("failed to load conversation for %s: %w", senderID, err)
	}

	s := flow.NewState(senderID, history, summary, types.NewTurn(types.RoleUser, text))

	if err := p.graph.Run(ctx, s); err != nil {
		logging.Get(logging.CategoryFlow).Error("run aborted for %s: %v", senderID, err)
		s.AppendReply(apologyText)
	}

	p.persist(s)
	return s.Reply(), nil
}

// persist writes the turns added this run, then mirrors any compaction.
// Persistence failures are logged, not surfaced: the reply already
// exists and the next turn retries from the stored state.
func (p *Pipeline) persist(s *flow.State) {
	if err := p.conversations.AppendTurns(s.SenderID, s.NewTurns()); err != nil {
		logging.Get(logging.CategoryStore).Error("failed to persist turns for %s: %v", s.SenderID, err)
		return
	}
	if s.Compacted {
		if err := p.conversations.SetSummaryAndTrim(s.SenderID, s.Summary, p.cfg.SummaryKeep); err != nil {
			logging.Get(logging.CategoryStore).Error("failed to persist compaction for %s: %v", s.SenderID, err)
		}
	}
}

func (p *Pipeline) senderLock(senderID string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	if l, ok := p.locks[senderID]; ok {
		return l
	}
	l := &sync.Mutex{}
	p.locks[senderID] = l
	return l
}

// Wait blocks until background work (memory extraction) settles. For
// shutdown and tests; Handle never waits on it.
func (p *Pipeline) Wait() {
	if w, ok := p.memories.(interface{ Wait() }); ok {
		w.Wait()
	}
}
