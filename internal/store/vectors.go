package store

import (
	"fmt"
	"sort"

	"github.com/fredamaraljr/whatsapp-agent/internal/embedding"
	"github.com/fredamaraljr/whatsapp-agent/internal/logging"
)

// ScoredText is one similarity-search hit.
type ScoredText struct {
	ID         int64
	Content    string
	Source     string
	Similarity float64
}

// AddKnowledgeChunk stores an embedded passage in the knowledge base.
func (s *LocalStore) AddKnowledgeChunk(content, source string, vector []float32) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO knowledge_chunks (content, source, embedding) VALUES (?, ?, ?)`,
		content, source, encodeFloat32SliceToBlob(vector),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert knowledge chunk: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if s.vectorExt {
		if _, err := s.db.Exec(
			`INSERT INTO vec_knowledge (embedding, chunk_id) VALUES (?, ?)`,
			encodeFloat32SliceToBlob(vector), id,
		); err != nil {
			logging.Get(logging.CategoryStore).Warn("vec_knowledge insert failed for chunk %d: %v", id, err)
		}
	}

	return id, nil
}

// SearchKnowledge returns the topK passages most similar to the query
// vector, best first.
func (s *LocalStore) SearchKnowledge(query []float32, topK int) ([]ScoredText, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchKnowledge")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vectorExt {
		hits, err := s.searchVec(
			`SELECT k.id, k.content, COALESCE(k.source, ''), vec_distance_cosine(v.embedding, ?) AS dist
			 FROM vec_knowledge v JOIN knowledge_chunks k ON k.id = v.chunk_id
			 ORDER BY dist LIMIT ?`,
			encodeFloat32SliceToBlob(query), topK,
		)
		if err == nil {
			return hits, nil
		}
		logging.Get(logging.CategoryStore).Warn("ANN knowledge search failed, falling back to brute force: %v", err)
	}

	return s.searchBruteForce(
		`SELECT id, content, COALESCE(source, ''), embedding FROM knowledge_chunks`,
		query, topK,
	)
}

// AddMemory stores an extracted fact about a sender. Duplicate content is
// ignored so repeated extraction of the same fact is harmless.
func (s *LocalStore) AddMemory(externalID, content string, vector []float32) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO memories (external_id, content, embedding) VALUES (?, ?, ?)`,
		externalID, content, encodeFloat32SliceToBlob(vector),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert memory: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if s.vectorExt {
		if _, err := s.db.Exec(
			`INSERT INTO vec_memories (embedding, memory_id) VALUES (?, ?)`,
			encodeFloat32SliceToBlob(vector), id,
		); err != nil {
			logging.Get(logging.CategoryStore).Warn("vec_memories insert failed for memory %d: %v", id, err)
		}
	}

	return id, nil
}

// SearchMemories returns the topK memories for a sender most similar to
// the query vector, best first.
func (s *LocalStore) SearchMemories(externalID string, query []float32, topK int) ([]ScoredText, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchMemories")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vectorExt {
		hits, err := s.searchVec(
			`SELECT m.id, m.content, m.external_id, vec_distance_cosine(v.embedding, ?) AS dist
			 FROM vec_memories v JOIN memories m ON m.id = v.memory_id
			 WHERE m.external_id = ?
			 ORDER BY dist LIMIT ?`,
			encodeFloat32SliceToBlob(query), externalID, topK,
		)
		if err == nil {
			return hits, nil
		}
		logging.Get(logging.CategoryStore).Warn("ANN memory search failed, falling back to brute force: %v", err)
	}

	return s.searchBruteForce(
		`SELECT id, content, external_id, embedding FROM memories WHERE external_id = ?`,
		query, topK, externalID,
	)
}

// searchVec runs an ANN query via sqlite-vec. Args bind in placeholder
// order; the first is always the encoded query vector.
func (s *LocalStore) searchVec(querySQL string, args ...interface{}) ([]ScoredText, error) {
	rows, err := s.db.Query(querySQL, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []ScoredText
	for rows.Next() {
		var h ScoredText
		var dist float64
		if err := rows.Scan(&h.ID, &h.Content, &h.Source, &dist); err != nil {
			return nil, err
		}
		// vec_distance_cosine returns distance in [0,2]; convert to similarity.
		h.Similarity = 1.0 - dist
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// searchBruteForce scans every stored embedding and ranks by cosine
// similarity. Fine at personal-database scale.
func (s *LocalStore) searchBruteForce(querySQL string, vector []float32, topK int, extra ...interface{}) ([]ScoredText, error) {
	rows, err := s.db.Query(querySQL, extra...)
	if err != nil {
		return nil, fmt.Errorf("brute-force search query failed: %w", err)
	}
	defer rows.Close()

	var hits []ScoredText
	for rows.Next() {
		var h ScoredText
		var blob []byte
		if err := rows.Scan(&h.ID, &h.Content, &h.Source, &blob); err != nil {
			return nil, err
		}
		stored := decodeFloat32SliceFromBlob(blob)
		sim, err := embedding.CosineSimilarity(vector, stored)
		if err != nil {
			continue
		}
		h.Similarity = sim
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// CountKnowledgeChunks reports how many passages are ingested.
func (s *LocalStore) CountKnowledgeChunks() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM knowledge_chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count knowledge chunks: %w", err)
	}
	return n, nil
}
