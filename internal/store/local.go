// Package store implements the companion's durable state on SQLite:
// identity records, interaction log, conversation history and running
// summaries, operator overrides, and the vector tables backing knowledge
// retrieval and long-term memory.
package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fredamaraljr/whatsapp-agent/internal/logging"
)

// LocalStore owns the SQLite database. All writes are serialized through
// the mutex; SQLite itself serializes at the connection level via the
// single-connection pool.
type LocalStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vectorExt bool // sqlite-vec available
	embedDims int  // dimensionality of stored embeddings
}

// NewLocalStore initializes the SQLite database at the given path.
// Use ":memory:" for tests.
func NewLocalStore(path string, embedDims int) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	logging.Store("initializing store at %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	if embedDims <= 0 {
		embedDims = 768
	}

	s := &LocalStore{db: db, dbPath: path, embedDims: embedDims}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if s.vectorExt {
		s.initVecTables()
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.Get(logging.CategoryStore).Warn("sqlite-vec extension not available; falling back to brute-force similarity search")
	}

	logging.Store("store initialization complete")
	return s, nil
}

// initialize creates the required tables.
func (s *LocalStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		external_id TEXT PRIMARY KEY,
		user_group TEXT NOT NULL,
		verified INTEGER NOT NULL,
		first_interaction DATETIME NOT NULL,
		last_interaction DATETIME NOT NULL,
		message_count INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS interaction_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (external_id) REFERENCES users(external_id)
	);
	CREATE INDEX IF NOT EXISTS idx_interaction_log_created ON interaction_log(created_at);

	CREATE TABLE IF NOT EXISTS conversation_turns (
		turn_id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		media_path TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_sender_seq ON conversation_turns(external_id, seq);

	CREATE TABLE IF NOT EXISTS conversation_state (
		external_id TEXT PRIMARY KEY,
		summary TEXT NOT NULL DEFAULT '',
		next_seq INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS prompt_overrides (
		user_group TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS config_overrides (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS knowledge_chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content TEXT NOT NULL,
		source TEXT,
		embedding BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS memories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id TEXT NOT NULL,
		content TEXT NOT NULL UNIQUE,
		embedding BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_memories_sender ON memories(external_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// detectVecExtension probes for the sqlite-vec extension.
func (s *LocalStore) detectVecExtension() {
	var version string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&version); err != nil {
		s.vectorExt = false
		return
	}
	logging.StoreDebug("sqlite-vec version: %s", version)
	s.vectorExt = true
}

// initVecTables creates the vec0 virtual tables for ANN search.
func (s *LocalStore) initVecTables() {
	vecSchema := fmt.Sprintf(`
	CREATE VIRTUAL TABLE IF NOT EXISTS vec_knowledge USING vec0(
		embedding float[%d],
		chunk_id INTEGER
	);
	CREATE VIRTUAL TABLE IF NOT EXISTS vec_memories USING vec0(
		embedding float[%d],
		memory_id INTEGER
	);
	`, s.embedDims, s.embedDims)

	if _, err := s.db.Exec(vecSchema); err != nil {
		logging.Get(logging.CategoryStore).Warn("failed to create vec tables (disabling ANN): %v", err)
		s.vectorExt = false
	}
}

// HasVectorExt reports whether ANN search is available.
func (s *LocalStore) HasVectorExt() bool {
	return s.vectorExt
}

// Close closes the database.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// encodeFloat32SliceToBlob packs a float32 slice into little-endian bytes,
// the layout sqlite-vec expects for float[] columns.
func encodeFloat32SliceToBlob(v []float32) []byte {
	blob := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(f))
	}
	return blob
}

// decodeFloat32SliceFromBlob unpacks the blob written by encode.
func decodeFloat32SliceFromBlob(blob []byte) []float32 {
	if len(blob)%4 != 0 {
		return nil
	}
	v := make([]float32, len(blob)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return v
}
