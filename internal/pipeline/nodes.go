package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fredamaraljr/whatsapp-agent/internal/admin"
	"github.com/fredamaraljr/whatsapp-agent/internal/flow"
	"github.com/fredamaraljr/whatsapp-agent/internal/logging"
	"github.com/fredamaraljr/whatsapp-agent/internal/persona"
	"github.com/fredamaraljr/whatsapp-agent/internal/types"
	"github.com/fredamaraljr/whatsapp-agent/internal/users"
)

// identifyNode resolves the sender to a persistent identity.
func (p *Pipeline) identifyNode(ctx context.Context, s *flow.State) error {
	id, first, err := p.identities.Resolve(s.SenderID)
	if err != nil {
		return fmt.Errorf("identity resolution: %w", err)
	}

	s.Identity = *id
	s.IsFirstInteraction = first
	s.AwaitingVerification = !id.Verified && id.Group == types.GroupUnverified
	return nil
}

// afterIdentify branches to the verification sub-flow, command dispatch,
// or the normal conversation flow.
func (p *Pipeline) afterIdentify(s *flow.State) string {
	if s.Identity.Group == types.GroupPrivileged && admin.IsCommand(s.LastUserText()) {
		return "admin"
	}
	if !s.Identity.Verified {
		return "verify"
	}
	return "memory_extract"
}

// verifyNode advances the verification exchange. Every outcome ends the
// turn: the question, the retry prompt, and the confirmation are each a
// complete reply.
func (p *Pipeline) verifyNode(ctx context.Context, s *flow.State) error {
	vs := users.VerificationPrompted
	if s.IsFirstInteraction {
		vs = users.VerificationNotStarted
	}

	out, err := p.identities.Step(s.SenderID, vs, s.LastUserText())
	if err != nil {
		// Persistence failed: the sender stays prompted and answers
		// again next turn. The retry message still goes out.
		logging.Get(logging.CategoryUsers).Error("verification step failed for %s: %v", s.SenderID, err)
	}

	if out.Message != "" {
		s.AppendReply(out.Message)
	}
	if out.State == users.VerificationResolved {
		s.Identity.Group = out.Group
		s.Identity.Verified = true
		s.AwaitingVerification = false
	} else {
		s.AwaitingVerification = true
	}

	p.identities.LogInteraction(s.SenderID, "verification")
	return nil
}

// adminNode executes a privileged command. Faults are formatted into the
// reply by the dispatcher and never abort the turn.
func (p *Pipeline) adminNode(ctx context.Context, s *flow.State) error {
	s.AppendReply(p.commands.Execute(s.LastUserText()))
	p.identities.LogInteraction(s.SenderID, "command")
	return nil
}

// memoryExtractNode kicks off fact extraction in the background. Only
// the normal path reaches here, so each turn logs exactly one kind.
func (p *Pipeline) memoryExtractNode(ctx context.Context, s *flow.State) error {
	p.memories.ExtractAndStore(s.SenderID, s.LastUserText())
	p.identities.LogInteraction(s.SenderID, "text")
	return nil
}

// routerNode classifies the reply modality over the trailing window.
// Router faults degrade to conversation; a routing outage must not
// block replies.
func (p *Pipeline) routerNode(ctx context.Context, s *flow.State) error {
	label, err := p.llm.Route(ctx, persona.RouterPrompt, s.Tail(p.cfg.RouterWindow))
	m := types.Modality(label)
	if err != nil || !types.ValidModality(m) {
		logging.Get(logging.CategoryRouter).Warn("routing degraded to conversation (label=%q err=%v)", label, err)
		m = types.ModalityConversation
	}
	s.Modality = m
	logging.Get(logging.CategoryRouter).Info("sender=%s modality=%s", s.SenderID, m)
	return nil
}

// contextNode attaches the current scheduled activity and flags whether
// it changed since the sender's previous turn.
func (p *Pipeline) contextNode(ctx context.Context, s *flow.State) error {
	activity := p.activity.CurrentActivity()

	p.activityMu.Lock()
	prev := p.lastActivity[s.SenderID]
	p.lastActivity[s.SenderID] = activity
	p.activityMu.Unlock()

	s.ActivityChanged = activity != prev
	s.Activity = activity
	return nil
}

// enrichNode fans out memory recall and knowledge retrieval. Both
// degrade to empty context on failure, so the join never errors.
func (p *Pipeline) enrichNode(ctx context.Context, s *flow.State) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.MemoryContext = p.memories.Recall(gctx, s.SenderID, s.Tail(p.cfg.MemoryWindow))
		return nil
	})
	g.Go(func() error {
		s.KnowledgeContext = p.knowledge.Search(gctx, s.LastUserText())
		return nil
	})
	return g.Wait()
}

// selectWorkflow dispatches to the generator for the routed modality.
func (p *Pipeline) selectWorkflow(s *flow.State) string {
	switch s.Modality {
	case types.ModalityImage:
		return "image"
	case types.ModalityAudio:
		return "audio"
	default:
		return "conversation"
	}
}

// systemPrompt assembles the enriched persona. Knowledge context only
// feeds the text path; the image and audio paths pass "".
func (p *Pipeline) systemPrompt(s *flow.State, knowledge string) string {
	prompt := p.personas.SystemPrompt(s.Identity.Group, persona.Enrichment{
		MemoryContext:    s.MemoryContext,
		CurrentActivity:  s.Activity,
		KnowledgeContext: knowledge,
	})
	if s.Summary != "" {
		prompt += "\n\n## Summary of the conversation so far\n" + s.Summary
	}
	return prompt
}

// conversationNode generates the plain text reply. A fault here aborts
// the run.
func (p *Pipeline) conversationNode(ctx context.Context, s *flow.State) error {
	reply, err := p.llm.Complete(ctx, p.systemPrompt(s, s.KnowledgeContext), s.History)
	if err != nil {
		return fmt.Errorf("conversation generation: %w", err)
	}
	s.AppendReply(reply)
	return nil
}

type scenario struct {
	Narrative   string `json:"narrative"`
	ImagePrompt string `json:"image_prompt"`
}

// imageNode derives a scenario from the trailing turns, renders it,
// injects the synthetic attachment turn, and generates the text reply.
func (p *Pipeline) imageNode(ctx context.Context, s *flow.State) error {
	raw, err := p.llm.CompleteText(ctx, "", fmt.Sprintf(persona.ScenarioPrompt, renderTurns(s.Tail(5))))
	if err != nil {
		return fmt.Errorf("scenario generation: %w", err)
	}
	var sc scenario
	if err := json.Unmarshal([]byte(stripFences(raw)), &sc); err != nil {
		return fmt.Errorf("failed to parse scenario %q: %w", raw, err)
	}
	if sc.ImagePrompt == "" {
		return fmt.Errorf("scenario missing image prompt")
	}

	img, err := p.llm.GenerateImage(ctx, sc.ImagePrompt)
	if err != nil {
		return fmt.Errorf("image generation: %w", err)
	}
	path, err := p.saveArtifact("image_"+uuid.NewString()+".png", img)
	if err != nil {
		return err
	}

	s.AppendSynthetic(fmt.Sprintf("<image attached by %s generated from prompt: %s>", p.name, sc.ImagePrompt))

	reply, err := p.llm.Complete(ctx, p.systemPrompt(s, ""), s.History)
	if err != nil {
		return fmt.Errorf("image reply generation: %w", err)
	}
	s.AppendMediaReply(reply, path)
	s.ImagePath = path
	logging.Get(logging.CategoryGenerate).Info("image generated for %s: %s", s.SenderID, path)
	return nil
}

// audioNode generates the text reply and synthesizes it to speech.
func (p *Pipeline) audioNode(ctx context.Context, s *flow.State) error {
	reply, err := p.llm.Complete(ctx, p.systemPrompt(s, ""), s.History)
	if err != nil {
		return fmt.Errorf("audio reply generation: %w", err)
	}

	audio, err := p.llm.Synthesize(ctx, reply)
	if err != nil {
		return fmt.Errorf("speech synthesis: %w", err)
	}
	path, err := p.saveArtifact("audio_"+uuid.NewString()+".wav", audio)
	if err != nil {
		return err
	}

	s.AppendMediaReply(reply, path)
	s.AudioPath = path
	logging.Get(logging.CategoryGenerate).Info("audio generated for %s: %s", s.SenderID, path)
	return nil
}

// shouldSummarize triggers compaction once history outgrows the
// threshold.
func (p *Pipeline) shouldSummarize(s *flow.State) string {
	if len(s.History) > p.cfg.SummaryTrigger {
		return "summarize"
	}
	return flow.End
}

// summarizeNode folds the history into the running summary and trims
// the in-run history. A summarization fault is logged and skipped; the
// reply this turn already exists.
func (p *Pipeline) summarizeNode(ctx context.Context, s *flow.State) error {
	convo := renderTurns(s.History)
	var prompt string
	if s.Summary != "" {
		prompt = fmt.Sprintf(persona.ExtendSummaryPrompt, s.Summary, convo)
	} else {
		prompt = fmt.Sprintf(persona.SummaryPrompt, convo)
	}

	summary, err := p.llm.CompleteText(ctx, "", prompt)
	if err != nil {
		logging.Get(logging.CategoryFlow).Warn("summarization skipped for %s: %v", s.SenderID, err)
		return nil
	}

	s.Summary = summary
	s.Compact(p.cfg.SummaryKeep)
	s.Compacted = true
	logging.Flow("history compacted for %s (kept %d turns)", s.SenderID, len(s.History))
	return nil
}

func (p *Pipeline) saveArtifact(name string, data []byte) (string, error) {
	if err := os.MkdirAll(p.artifactsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create artifacts dir: %w", err)
	}
	path := filepath.Join(p.artifactsDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return path, nil
}

// renderTurns flattens turns into "role: text" lines for prompts.
func renderTurns(turns []types.Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	return b.String()
}

// stripFences removes markdown code fences around JSON output.
func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	return trimmed
}
