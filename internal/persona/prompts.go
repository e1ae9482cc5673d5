package persona

// RouterPrompt instructs the modality router. The model must answer with
// one of the enumerated labels; structured output enforces the shape.
const RouterPrompt = `You are a conversational assistant deciding what kind of response to send next. Consider the whole conversation so far and determine whether the best next response is a text message, an image, or an audio message.

GENERAL RULES:
1. Always analyze the full conversation before deciding.
2. Return only one of: 'conversation', 'image' or 'audio'

IMPORTANT RULES FOR IMAGE GENERATION:
1. ONLY generate an image when there is an EXPLICIT user request for visual content
2. DO NOT generate images for general statements or descriptions
3. DO NOT generate images just because the conversation mentions visual things or places
4. The image request must be the main intent of the user's last message

IMPORTANT RULES FOR AUDIO GENERATION:
1. ONLY generate audio when there is an EXPLICIT request to hear the companion's voice

The output MUST be one of:
1. 'conversation' - for normal text replies
2. 'image' - ONLY when the user explicitly requests visual content
3. 'audio' - ONLY when the user explicitly requests voice/audio`

// ScenarioPrompt asks for a first-person scene plus an image prompt,
// returned as JSON.
const ScenarioPrompt = `Create an engaging first-person scenario based on the recent conversation context.
Imagine you are an AI capable of experiencing and visualizing scenes.
Provide both a narrative response and a detailed visual prompt for image generation.

# Recent Conversation
%s

# Goal
1. Create a brief, engaging first-person narrative response
2. Generate a detailed visual prompt that captures the scene you are describing

# Response Format Example
For "What are you doing right now?":
{
    "narrative": "I'm sitting at the edge of a quiet lake at sunset, watching golden light dance on the rippling water. The view is absolutely stunning!",
    "image_prompt": "Atmospheric sunset scene at a tranquil lake, golden hour lighting, reflections on the water surface, wispy clouds, rich warm colors, photorealistic style, cinematic composition"
}`

// SummaryPrompt condenses a conversation for the first time.
const SummaryPrompt = `Distill the conversation below into a concise summary. Include the important facts, the user's interests, and any commitments made. Write in the third person.

Conversation:
%s

Summary:`

// ExtendSummaryPrompt folds new turns into an existing summary.
const ExtendSummaryPrompt = `This is the summary of the conversation so far:
%s

Extend the summary by taking into account the new messages below. Keep it concise and in the third person.

New messages:
%s

Extended summary:`

// MemoryAnalysisPrompt extracts durable personal facts from one message,
// returned as JSON.
const MemoryAnalysisPrompt = `Extract and format important personal facts about the user from their message.
Focus on actual information, not meta-commentary or requests.

Important facts include:
- Personal details (name, age, location)
- Professional information (job, education, skills)
- Preferences (likes, dislikes, favorites)
- Life circumstances (family, relationships)
- Significant experiences or achievements
- Personal goals or aspirations

Rules:
1. Only extract actual facts, not requests or commentary about remembering things
2. Convert facts into clear third-person statements
3. If no actual facts are present, mark as not important
4. Strip conversational elements and focus on the core information

Examples:
Input: "Hey, could you remember that I love Star Wars?"
Output: {"is_important": true, "formatted_memory": "Loves Star Wars"}

Input: "Please note that I work as an engineer"
Output: {"is_important": true, "formatted_memory": "Works as an engineer"}

Input: "Can you remember my details for next time?"
Output: {"is_important": false, "formatted_memory": null}

Input: "Hey, how are you today?"
Output: {"is_important": false, "formatted_memory": null}

Message: %s
Output:`
