package knowledge

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fredamaraljr/whatsapp-agent/internal/store"
)

type fakeVectorStore struct {
	chunks    []string
	sources   []string
	hits      []store.ScoredText
	addErr    error
	searchErr error
}

func (f *fakeVectorStore) AddKnowledgeChunk(content, source string, v []float32) (int64, error) {
	if f.addErr != nil {
		return 0, f.addErr
	}
	f.chunks = append(f.chunks, content)
	f.sources = append(f.sources, source)
	return int64(len(f.chunks)), nil
}

func (f *fakeVectorStore) SearchKnowledge(q []float32, k int) ([]store.ScoredText, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.hits, nil
}

type fakeEmbedder struct{ err error }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 2 }
func (f *fakeEmbedder) Name() string    { return "fake" }

func TestSearchFormatsPassages(t *testing.T) {
	st := &fakeVectorStore{hits: []store.ScoredText{
		{Content: "The A320 has fly-by-wire controls.", Source: "a320.md", Similarity: 0.9},
		{Content: "Cruise speed is about Mach 0.78.", Source: "a320.md", Similarity: 0.8},
	}}
	r := NewRetriever(st, &fakeEmbedder{}, 3, 500)

	got := r.Search(context.Background(), "tell me about the A320")
	assert.Contains(t, got, "[a320.md] The A320 has fly-by-wire controls.")
	assert.Contains(t, got, "Mach 0.78")
}

func TestSearchTruncatesPassages(t *testing.T) {
	long := strings.Repeat("x", 600)
	st := &fakeVectorStore{hits: []store.ScoredText{{Content: long, Similarity: 0.9}}}
	r := NewRetriever(st, &fakeEmbedder{}, 3, 100)

	got := r.Search(context.Background(), "query")
	require.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len(got), 110)
}

func TestSearchTruncatesOnRuneBoundary(t *testing.T) {
	// Multi-byte runes straddling the byte limit must not be split.
	long := strings.Repeat("é", 60) // 2 bytes each
	st := &fakeVectorStore{hits: []store.ScoredText{{Content: long, Similarity: 0.9}}}
	r := NewRetriever(st, &fakeEmbedder{}, 3, 101)

	got := r.Search(context.Background(), "query")
	require.True(t, strings.HasSuffix(got, "..."))
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 50)+"...", got)
}

func TestSearchEmptyQuery(t *testing.T) {
	r := NewRetriever(&fakeVectorStore{}, &fakeEmbedder{}, 3, 500)
	assert.Equal(t, "", r.Search(context.Background(), "   "))
}

func TestSearchDegradesOnEmbedError(t *testing.T) {
	r := NewRetriever(&fakeVectorStore{}, &fakeEmbedder{err: fmt.Errorf("api down")}, 3, 500)
	assert.Equal(t, "", r.Search(context.Background(), "query"))
}

func TestSearchDegradesOnStoreError(t *testing.T) {
	st := &fakeVectorStore{searchErr: fmt.Errorf("db locked")}
	r := NewRetriever(st, &fakeEmbedder{}, 3, 500)
	assert.Equal(t, "", r.Search(context.Background(), "query"))
}

func TestIngestStoresChunks(t *testing.T) {
	st := &fakeVectorStore{}
	ing := NewIngestor(st, &fakeEmbedder{}, 50)

	doc := "First paragraph about engines.\n\nSecond paragraph about wings.\n\nThird paragraph about landing gear."
	n, err := ing.Ingest(context.Background(), doc, "plane.md")
	require.NoError(t, err)
	assert.Equal(t, n, len(st.chunks))
	assert.Greater(t, n, 1)
	for _, s := range st.sources {
		assert.Equal(t, "plane.md", s)
	}
}

func TestIngestEmptyDocument(t *testing.T) {
	ing := NewIngestor(&fakeVectorStore{}, &fakeEmbedder{}, 100)
	n, err := ing.Ingest(context.Background(), "\n\n  \n\n", "empty.md")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestEmbedFailure(t *testing.T) {
	ing := NewIngestor(&fakeVectorStore{}, &fakeEmbedder{err: fmt.Errorf("api down")}, 100)
	_, err := ing.Ingest(context.Background(), "some text", "doc.md")
	assert.Error(t, err)
}

func TestChunkParagraphBoundaries(t *testing.T) {
	text := "aaaa\n\nbbbb\n\ncccc"
	chunks := Chunk(text, 10)
	require.Len(t, chunks, 2)
	assert.Equal(t, "aaaa\n\nbbbb", chunks[0])
	assert.Equal(t, "cccc", chunks[1])
}

func TestChunkOversizedParagraph(t *testing.T) {
	text := strings.Repeat("y", 300)
	chunks := Chunk(text, 100)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0])
}

func TestChunkDropsEmptyParagraphs(t *testing.T) {
	chunks := Chunk("a\n\n\n\nb", 100)
	require.Len(t, chunks, 1)
	assert.Equal(t, "a\n\nb", chunks[0])
}
