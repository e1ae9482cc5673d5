// Package knowledge retrieves ingested reference passages relevant to
// the conversation and handles document ingestion.
package knowledge

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fredamaraljr/whatsapp-agent/internal/embedding"
	"github.com/fredamaraljr/whatsapp-agent/internal/logging"
	"github.com/fredamaraljr/whatsapp-agent/internal/store"
)

// VectorStore is the persistence surface knowledge needs.
type VectorStore interface {
	AddKnowledgeChunk(content, source string, vector []float32) (int64, error)
	SearchKnowledge(query []float32, topK int) ([]store.ScoredText, error)
}

// Retriever fetches the passages most relevant to a query.
type Retriever struct {
	store     VectorStore
	embedder  embedding.Engine
	topK      int
	charLimit int
}

// NewRetriever wires retrieval. charLimit truncates each passage.
func NewRetriever(st VectorStore, embedder embedding.Engine, topK, charLimit int) *Retriever {
	if topK <= 0 {
		topK = 3
	}
	if charLimit <= 0 {
		charLimit = 500
	}
	return &Retriever{store: st, embedder: embedder, topK: topK, charLimit: charLimit}
}

// Search returns a formatted context block for the query, or "" when
// nothing relevant is stored. Failures degrade to "" so a retrieval
// outage never blocks a reply.
func (r *Retriever) Search(ctx context.Context, query string) string {
	if strings.TrimSpace(query) == "" {
		return ""
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		logging.Get(logging.CategoryKnowledge).Warn("query embed failed: %v", err)
		return ""
	}

	hits, err := r.store.SearchKnowledge(vector, r.topK)
	if err != nil {
		logging.Get(logging.CategoryKnowledge).Warn("search failed: %v", err)
		return ""
	}
	if len(hits) == 0 {
		return ""
	}

	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		content := truncate(h.Content, r.charLimit)
		if h.Source != "" {
			fmt.Fprintf(&b, "[%s] ", h.Source)
		}
		b.WriteString(content)
	}
	logging.Get(logging.CategoryKnowledge).Debug("retrieved %d passages", len(hits))
	return b.String()
}

// truncate caps s at limit bytes without splitting a UTF-8 rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// Ingestor splits documents into chunks and stores them embedded.
type Ingestor struct {
	store     VectorStore
	embedder  embedding.Engine
	chunkSize int
}

// NewIngestor wires ingestion. chunkSize is the target chunk length in
// characters; chunks split on paragraph boundaries.
func NewIngestor(st VectorStore, embedder embedding.Engine, chunkSize int) *Ingestor {
	if chunkSize <= 0 {
		chunkSize = 1200
	}
	return &Ingestor{store: st, embedder: embedder, chunkSize: chunkSize}
}

// Ingest chunks, embeds, and stores a document. Returns the number of
// chunks stored.
func (ing *Ingestor) Ingest(ctx context.Context, text, source string) (int, error) {
	chunks := Chunk(text, ing.chunkSize)
	if len(chunks) == 0 {
		return 0, nil
	}

	vectors, err := ing.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("failed to embed %d chunks: %w", len(chunks), err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embedding count mismatch: %d chunks, %d vectors", len(chunks), len(vectors))
	}

	stored := 0
	for i, chunk := range chunks {
		if _, err := ing.store.AddKnowledgeChunk(chunk, source, vectors[i]); err != nil {
			return stored, fmt.Errorf("failed to store chunk %d: %w", i, err)
		}
		stored++
	}

	logging.Get(logging.CategoryKnowledge).Info("ingested %d chunks from %s", stored, source)
	return stored, nil
}

// Chunk splits text into pieces of roughly size characters, preferring
// paragraph boundaries. Empty paragraphs are dropped.
func Chunk(text string, size int) []string {
	paragraphs := strings.Split(text, "\n\n")

	var chunks []string
	var current strings.Builder
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		if current.Len() > 0 && current.Len()+len(p) > size {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)

		// A single oversized paragraph becomes its own chunk.
		if current.Len() > size {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
