// Package memory maintains long-term memories about each sender:
// extraction of durable facts from inbound messages and recall of the
// most relevant ones before generation.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fredamaraljr/whatsapp-agent/internal/embedding"
	"github.com/fredamaraljr/whatsapp-agent/internal/logging"
	"github.com/fredamaraljr/whatsapp-agent/internal/persona"
	"github.com/fredamaraljr/whatsapp-agent/internal/store"
	"github.com/fredamaraljr/whatsapp-agent/internal/types"
)

// VectorStore is the persistence surface memory needs.
type VectorStore interface {
	AddMemory(externalID, content string, vector []float32) (int64, error)
	SearchMemories(externalID string, query []float32, topK int) ([]store.ScoredText, error)
}

// TextCompleter runs the extraction analysis.
type TextCompleter interface {
	CompleteText(ctx context.Context, system, prompt string) (string, error)
}

// Manager owns memory recall and extraction.
type Manager struct {
	store     VectorStore
	embedder  embedding.Engine
	completer TextCompleter
	topK      int

	wg sync.WaitGroup
}

// NewManager wires the memory subsystem.
func NewManager(st VectorStore, embedder embedding.Engine, completer TextCompleter, topK int) *Manager {
	if topK <= 0 {
		topK = 3
	}
	return &Manager{store: st, embedder: embedder, completer: completer, topK: topK}
}

// Recall returns a formatted block of the memories most relevant to the
// recent turns, or "" when there are none. Failures degrade to "" so a
// memory outage never blocks a reply.
func (m *Manager) Recall(ctx context.Context, externalID string, recent []types.Turn) string {
	query := recallQuery(recent)
	if query == "" {
		return ""
	}

	vector, err := m.embedder.Embed(ctx, query)
	if err != nil {
		logging.Get(logging.CategoryMemory).Warn("recall embed failed for %s: %v", externalID, err)
		return ""
	}

	hits, err := m.store.SearchMemories(externalID, vector, m.topK)
	if err != nil {
		logging.Get(logging.CategoryMemory).Warn("recall search failed for %s: %v", externalID, err)
		return ""
	}
	if len(hits) == 0 {
		return ""
	}

	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(h.Content)
	}
	logging.Get(logging.CategoryMemory).Debug("recalled %d memories for %s", len(hits), externalID)
	return b.String()
}

// recallQuery keys recall on the trailing user turns.
func recallQuery(recent []types.Turn) string {
	var parts []string
	for _, t := range recent {
		if t.Role == types.RoleUser && strings.TrimSpace(t.Text) != "" {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ExtractAndStore analyzes the inbound message for durable facts in the
// background. The reply never waits on it.
func (m *Manager) ExtractAndStore(externalID, message string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := m.extract(ctx, externalID, message); err != nil {
			logging.Get(logging.CategoryMemory).Warn("extraction failed for %s: %v", externalID, err)
		}
	}()
}

// Wait blocks until every in-flight extraction finishes (shutdown, tests).
func (m *Manager) Wait() {
	m.wg.Wait()
}

type analysis struct {
	IsImportant     bool    `json:"is_important"`
	FormattedMemory *string `json:"formatted_memory"`
}

func (m *Manager) extract(ctx context.Context, externalID, message string) error {
	if strings.TrimSpace(message) == "" {
		return nil
	}

	raw, err := m.completer.CompleteText(ctx, "", fmt.Sprintf(persona.MemoryAnalysisPrompt, message))
	if err != nil {
		return fmt.Errorf("analysis call failed: %w", err)
	}

	var result analysis
	if err := json.Unmarshal([]byte(extractJSON(raw)), &result); err != nil {
		return fmt.Errorf("failed to parse analysis %q: %w", raw, err)
	}
	if !result.IsImportant || result.FormattedMemory == nil || strings.TrimSpace(*result.FormattedMemory) == "" {
		return nil
	}

	fact := strings.TrimSpace(*result.FormattedMemory)
	vector, err := m.embedder.Embed(ctx, fact)
	if err != nil {
		return fmt.Errorf("fact embed failed: %w", err)
	}

	id, err := m.store.AddMemory(externalID, fact, vector)
	if err != nil {
		return fmt.Errorf("fact store failed: %w", err)
	}
	if id != 0 {
		logging.Get(logging.CategoryMemory).Info("stored memory for %s: %s", externalID, fact)
	}
	return nil
}

// extractJSON strips markdown fences the model sometimes wraps around
// JSON output.
func extractJSON(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	return trimmed
}
