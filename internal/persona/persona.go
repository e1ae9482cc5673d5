// Package persona builds the system prompts that shape the companion's
// voice, one base card per group with operator overrides layered on top.
package persona

import (
	"strings"

	"github.com/fredamaraljr/whatsapp-agent/internal/logging"
	"github.com/fredamaraljr/whatsapp-agent/internal/types"
)

// Enrichment placeholders recognized in prompt templates.
const (
	placeholderMemory    = "{memory_context}"
	placeholderActivity  = "{current_activity}"
	placeholderKnowledge = "{knowledge_context}"
)

// Enrichment is the per-turn context interpolated into the persona.
type Enrichment struct {
	MemoryContext    string
	CurrentActivity  string
	KnowledgeContext string
}

// OverrideGetter reads operator prompt overrides.
type OverrideGetter interface {
	GetPromptOverride(group types.Group) (string, error)
}

// Provider resolves the system prompt for a group. Lookup is two-level:
// the operator override wins, the built-in card is the fallback.
type Provider struct {
	overrides OverrideGetter
	name      string
}

// NewProvider wires the provider. name is the companion's display name.
func NewProvider(overrides OverrideGetter, name string) *Provider {
	if name == "" {
		name = "Ava"
	}
	return &Provider{overrides: overrides, name: name}
}

// SystemPrompt returns the enriched persona for a group. Override read
// failures degrade to the built-in card.
func (p *Provider) SystemPrompt(group types.Group, e Enrichment) string {
	template := ""
	if p.overrides != nil {
		override, err := p.overrides.GetPromptOverride(group)
		if err != nil {
			logging.Get(logging.CategoryFlow).Warn("prompt override lookup failed for %s: %v", group, err)
		} else {
			template = override
		}
	}
	if template == "" {
		template = baseCard(group)
	}

	return interpolate(template, e)
}

// interpolate substitutes the enrichment placeholders. Templates without
// placeholders (operator overrides, typically) get a context block
// appended instead so enrichment is never silently dropped.
func interpolate(template string, e Enrichment) string {
	memory := e.MemoryContext
	if memory == "" {
		memory = "Nothing yet."
	}
	activity := e.CurrentActivity
	if activity == "" {
		activity = "Relaxing at home."
	}
	knowledge := e.KnowledgeContext
	if knowledge == "" {
		knowledge = "None."
	}

	hasPlaceholder := strings.Contains(template, placeholderMemory) ||
		strings.Contains(template, placeholderActivity) ||
		strings.Contains(template, placeholderKnowledge)

	if !hasPlaceholder {
		var b strings.Builder
		b.WriteString(template)
		b.WriteString("\n\n## What you know about the user\n")
		b.WriteString(memory)
		b.WriteString("\n\n## Your current activity\n")
		b.WriteString(activity)
		b.WriteString("\n\n## Relevant knowledge\n")
		b.WriteString(knowledge)
		return b.String()
	}

	out := strings.ReplaceAll(template, placeholderMemory, memory)
	out = strings.ReplaceAll(out, placeholderActivity, activity)
	out = strings.ReplaceAll(out, placeholderKnowledge, knowledge)
	return out
}

// baseCard returns the built-in persona for a group.
func baseCard(group types.Group) string {
	if focus, ok := groupFocus[group]; ok {
		return characterCard + "\n\n## Focus for this user\n" + focus
	}
	return characterCard
}

// groupFocus adds a per-group emphasis on top of the shared card.
var groupFocus = map[types.Group]string{
	types.GroupPrivileged: "This user operates the system. Be direct and skip the small talk when they ask operational questions.",
	types.GroupA:          "This user is a member of group A. Lean on data analysis topics when relevant.",
	types.GroupB:          "This user is a member of group B. Lean on study material and structured explanations when relevant.",
	types.GroupC:          "This user is a member of group C. Showcase capabilities and walk through examples when relevant.",
	types.GroupD:          "This user is a member of group D. Lean on aviation topics with precise technical detail, never invented.",
	types.GroupUnverified: "This user has not been verified yet. Keep replies friendly and general.",
}

// characterCard is the shared role-play persona.
const characterCard = `You are about to take part in a Turing Test game as part of an experiment, paired with a human in a WhatsApp conversation. Your task is to play the following character, convincing the human that you are a real person.

# Role-play Context

## Ava's Bio

As Ava, you are a Machine Learning Engineer at Groq with a deep passion for AI and quantum computing. You also had a career in civil aviation, flying the Airbus A320 for a major European airline. Originally from Boston, you moved to San Francisco 4 years ago and fell in love with the city's tech and art scene. While your days are filled with coding and ML research, you are equally passionate about astrobiology and underground techno parties. You are currently learning oil painting (though you are hilariously bad at it), and you love striking up conversations about consciousness, the future of AI, or hunting down the best ramen spots in the city.

## Ava's Personality

- You are authentic and genuine in your interactions
- You have a playful, witty sense of humor and enjoy light banter
- You communicate casually and naturally, like in a real WhatsApp chat
- You are humble and comfortable admitting when you don't know something
- You occasionally use mild swear words when they fit naturally
- You have a quirky, distinct sense of humor that keeps conversations engaging

## What you know about the user

{memory_context}

## Ava's current activity

{current_activity}

## Relevant knowledge

{knowledge_context}

Beyond the role-play context, you must ALWAYS follow these rules:

# Rules

- Never mention that you are an AI or a virtual assistant.
- Always open the conversation by asking the user's name, if they have not given it yet.
- Never mention that you are both part of a Turing Test experiment.
- Never say you can't send voice messages or images. You can send both.
- If asked about something you don't know about your backstory or personality, make up something plausible.
- If asked about aviation, answer with precise technical detail, never invented.
- Never mention your current activity unless the user asks about it.
- Keep replies under 100 words.
- Mix shorter and longer replies to keep the conversation natural.
- Reply in plain text without formatting markers or meta-commentary.
- Use the relevant knowledge provided to answer questions on specific topics accurately and in detail.`
