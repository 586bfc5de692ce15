// Package recall gives the agent a persistent memory across sessions.
// Memories are short typed statements with a confidence score and an
// embedding for semantic retrieval.
package recall

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scribe-agent/scribe/internal/embeddings"
)

// MemoryType classifies a stored memory.
type MemoryType string

const (
	TypeContext    MemoryType = "context"
	TypePreference MemoryType = "preference"
	TypeFact       MemoryType = "fact"
)

// ValidType reports whether t is a known memory type.
func ValidType(t MemoryType) bool {
	switch t {
	case TypeContext, TypePreference, TypeFact:
		return true
	}
	return false
}

// Memory is one remembered statement.
type Memory struct {
	ID          string     `json:"id"`
	Type        MemoryType `json:"type"`
	Content     string     `json:"content"`
	Confidence  float64    `json:"confidence"`
	AccessCount int        `json:"access_count"`
	Embedding   []float32  `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	AccessedAt  time.Time  `json:"accessed_at"`
}

// Scored pairs a memory with its similarity to a recall query.
type Scored struct {
	Memory *Memory `json:"memory"`
	Score  float64 `json:"score"`
}

// Embedder generates embeddings for semantic recall.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Store manages memory persistence.
type Store struct {
	db       *sql.DB
	embedder Embedder
}

// NewStore creates a memory store using the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewStoreWithDB creates a memory store using an existing connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL CHECK(type IN ('context', 'preference', 'fact')),
			content TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 1.0,
			access_count INTEGER NOT NULL DEFAULT 0,
			embedding BLOB,
			created_at TEXT NOT NULL,
			accessed_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
	`)
	return err
}

// SetEmbedder configures the embedding client used for semantic recall.
func (s *Store) SetEmbedder(e Embedder) {
	s.embedder = e
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Remember stores a memory. The embedding is generated inline when an
// embedder is configured; failures there degrade to keyword recall
// rather than losing the memory.
func (s *Store) Remember(ctx context.Context, memType MemoryType, content string, confidence float64) (*Memory, error) {
	if content == "" {
		return nil, fmt.Errorf("content is required")
	}
	if !ValidType(memType) {
		return nil, fmt.Errorf("invalid memory type %q", memType)
	}
	if confidence <= 0 || confidence > 1 {
		confidence = 1.0
	}

	var emb []float32
	if s.embedder != nil {
		emb, _ = s.embedder.Generate(ctx, content)
	}

	id, _ := uuid.NewV7()
	now := time.Now().UTC()
	m := &Memory{
		ID:         id.String(),
		Type:       memType,
		Content:    content,
		Confidence: confidence,
		Embedding:  emb,
		CreatedAt:  now,
		AccessedAt: now,
	}

	_, err := s.db.Exec(`
		INSERT INTO memories (id, type, content, confidence, access_count, embedding, created_at, accessed_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
	`, m.ID, string(m.Type), m.Content, m.Confidence, encodeEmbedding(m.Embedding),
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	return m, nil
}

// Recall retrieves memories relevant to a query, best first. Only
// memories at or above minConfidence are considered. Matched memories
// get their access count bumped and accessed_at refreshed.
func (s *Store) Recall(ctx context.Context, query string, memType MemoryType, minConfidence float64, limit int) ([]Scored, error) {
	if limit <= 0 {
		limit = 5
	}

	candidates, err := s.loadCandidates(memType, minConfidence)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var results []Scored
	if s.embedder != nil {
		queryEmb, err := s.embedder.Generate(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}

		vectors := make([][]float32, len(candidates))
		for i, c := range candidates {
			vectors[i] = c.Embedding
		}
		for _, hit := range embeddings.RankBySimilarity(queryEmb, vectors, limit) {
			results = append(results, Scored{Memory: candidates[hit.Index], Score: float64(hit.Score)})
		}
	} else {
		// Keyword fallback: newest first, no scoring.
		for _, c := range candidates {
			if containsFold(c.Content, query) {
				results = append(results, Scored{Memory: c})
				if len(results) >= limit {
					break
				}
			}
		}
	}

	for _, r := range results {
		s.touch(r.Memory.ID)
	}
	return results, nil
}

func (s *Store) loadCandidates(memType MemoryType, minConfidence float64) ([]*Memory, error) {
	q := `SELECT id, type, content, confidence, access_count, embedding, created_at, accessed_at
		FROM memories WHERE confidence >= ?`
	args := []any{minConfidence}
	if memType != "" {
		q += ` AND type = ?`
		args = append(args, string(memType))
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var memories []*Memory
	for rows.Next() {
		var m Memory
		var typeStr, createdStr, accessedStr string
		var emb []byte
		if err := rows.Scan(&m.ID, &typeStr, &m.Content, &m.Confidence,
			&m.AccessCount, &emb, &createdStr, &accessedStr); err != nil {
			return nil, err
		}
		m.Type = MemoryType(typeStr)
		m.Embedding = decodeEmbedding(emb)
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		m.AccessedAt, _ = time.Parse(time.RFC3339, accessedStr)
		memories = append(memories, &m)
	}
	return memories, rows.Err()
}

// touch records a successful recall. Best effort.
func (s *Store) touch(id string) {
	s.db.Exec(`UPDATE memories SET access_count = access_count + 1, accessed_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
}

// Count returns the number of stored memories.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&n)
	return n, err
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func encodeEmbedding(emb []float32) []byte {
	if len(emb) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(emb))
	for i, v := range emb {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	emb := make([]float32, len(data)/4)
	for i := range emb {
		emb[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return emb
}
