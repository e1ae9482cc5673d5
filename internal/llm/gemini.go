// Package llm wraps the Gemini REST API for text generation, modality
// routing, image generation, and speech synthesis.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fredamaraljr/whatsapp-agent/internal/config"
	"github.com/fredamaraljr/whatsapp-agent/internal/logging"
	"github.com/fredamaraljr/whatsapp-agent/internal/types"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient calls the Gemini API. One client serves every model the
// pipeline needs; the per-purpose model names come from config.
type GeminiClient struct {
	apiKey      string
	baseURL     string
	chatModel   string
	routerModel string
	imageModel  string
	speechModel string
	voice       string
	httpClient  *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

// NewGeminiClient builds a client from the LLM config section.
func NewGeminiClient(cfg config.LLMConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	return &GeminiClient{
		apiKey:      cfg.APIKey,
		baseURL:     defaultBaseURL,
		chatModel:   cfg.ChatModel,
		routerModel: cfg.RouterModel,
		imageModel:  cfg.ImageModel,
		speechModel: cfg.SpeechModel,
		voice:       cfg.Voice,
		httpClient:  &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

// SetBaseURL overrides the API endpoint (tests).
func (c *GeminiClient) SetBaseURL(url string) {
	c.baseURL = strings.TrimRight(url, "/")
}

// Complete generates a conversational reply from a system prompt and the
// turn history.
func (c *GeminiClient) Complete(ctx context.Context, system string, turns []types.Turn) (string, error) {
	req := geminiRequest{
		Contents:          contentsFromTurns(turns),
		SystemInstruction: systemContent(system),
		GenerationConfig:  generationConfig{Temperature: 0.7},
	}

	resp, err := c.do(ctx, c.chatModel, req)
	if err != nil {
		return "", err
	}
	return textFromResponse(resp)
}

// CompleteText generates from a single prompt, for the summarizer,
// scenario builder, and memory extractor.
func (c *GeminiClient) CompleteText(ctx context.Context, system, prompt string) (string, error) {
	req := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		SystemInstruction: systemContent(system),
		GenerationConfig:  generationConfig{Temperature: 0.3},
	}

	resp, err := c.do(ctx, c.chatModel, req)
	if err != nil {
		return "", err
	}
	return textFromResponse(resp)
}

// Route classifies the recent turns into a modality. Structured output
// constrains the model to the enumerated labels; anything else that
// slips through is mapped to conversation by the caller.
func (c *GeminiClient) Route(ctx context.Context, system string, turns []types.Turn) (string, error) {
	req := geminiRequest{
		Contents:          contentsFromTurns(turns),
		SystemInstruction: systemContent(system),
		GenerationConfig: generationConfig{
			Temperature:      0,
			ResponseMimeType: "application/json",
			ResponseSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"modality": map[string]interface{}{
						"type": "string",
						"enum": []string{"conversation", "image", "audio"},
					},
				},
				"required": []string{"modality"},
			},
		},
	}

	resp, err := c.do(ctx, c.routerModel, req)
	if err != nil {
		return "", err
	}
	text, err := textFromResponse(resp)
	if err != nil {
		return "", err
	}

	var decision struct {
		Modality string `json:"modality"`
	}
	if err := json.Unmarshal([]byte(text), &decision); err != nil {
		return "", fmt.Errorf("failed to parse router decision %q: %w", text, err)
	}
	return decision.Modality, nil
}

// GenerateImage renders the scenario prompt to image bytes.
func (c *GeminiClient) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	req := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"IMAGE", "TEXT"},
		},
	}

	resp, err := c.do(ctx, c.imageModel, req)
	if err != nil {
		return nil, err
	}
	return inlineDataFromResponse(resp, "image/")
}

// Synthesize converts reply text to audio bytes using the configured voice.
func (c *GeminiClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	req := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: text}}},
		},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &speechConfig{
				VoiceConfig: voiceConfig{
					PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: c.voice},
				},
			},
		},
	}

	resp, err := c.do(ctx, c.speechModel, req)
	if err != nil {
		return nil, err
	}
	return inlineDataFromResponse(resp, "audio/")
}

// do posts a request to a model with rate limiting and retry on 429.
func (c *GeminiClient) do(ctx context.Context, model string, reqBody geminiRequest) (*geminiResponse, error) {
	start := time.Now()

	// Minimum spacing between requests.
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, model, c.apiKey)

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	maxRetries := 3
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var out geminiResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if out.Error != nil {
			return nil, fmt.Errorf("API error: %s", out.Error.Message)
		}

		logging.Get(logging.CategoryAPI).Debug("model=%s completed in %v tokens=%d",
			model, time.Since(start), out.UsageMetadata.TotalTokenCount)
		return &out, nil
	}

	logging.Get(logging.CategoryAPI).Error("model=%s max retries exceeded: %v", model, lastErr)
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func systemContent(system string) *geminiContent {
	if strings.TrimSpace(system) == "" {
		return nil
	}
	return &geminiContent{Parts: []geminiPart{{Text: system}}}
}

// contentsFromTurns maps the conversation onto API roles. The companion
// speaks as "model".
func contentsFromTurns(turns []types.Turn) []geminiContent {
	contents := make([]geminiContent, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == types.RoleCompanion {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: t.Text}},
		})
	}
	return contents
}

func textFromResponse(resp *geminiResponse) (string, error) {
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no completion returned")
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return strings.TrimSpace(b.String()), nil
}

func inlineDataFromResponse(resp *geminiResponse, mimePrefix string) ([]byte, error) {
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates returned")
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData != nil && strings.HasPrefix(part.InlineData.MimeType, mimePrefix) {
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode inline data: %w", err)
			}
			return data, nil
		}
	}
	return nil, fmt.Errorf("no %s* part in response", mimePrefix)
}
