// Package project stores research project items: uploaded images,
// documents, and text snippets with their embeddings and AI-written
// analyses. The agent's retrieval tools are built on this store.
package project

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scribe-agent/scribe/internal/embeddings"
)

// ItemType classifies a stored item.
type ItemType string

const (
	TypeText     ItemType = "text"
	TypeImage    ItemType = "image"
	TypeDocument ItemType = "document"
)

// Project groups items under a name and description.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Item is one stored piece of project data.
//
// Content holds the base64 payload for images and documents and must
// never leak into tool output or the conversation log. Read-side
// queries project it out unless explicitly requested.
type Item struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Filename    string    `json:"filename"`
	Type        ItemType  `json:"type"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Size        int64     `json:"size"`
	Content     string    `json:"content,omitempty"`
	Analysis    string    `json:"analysis,omitempty"`
	Embedding   []float32 `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// SearchResult is a ranked item returned by vector search. It carries
// metadata only, never the content payload or the embedding itself.
type SearchResult struct {
	ID          string   `json:"id"`
	Filename    string   `json:"filename"`
	Type        ItemType `json:"type"`
	Score       float64  `json:"score"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Size        int64    `json:"size"`
	Analysis    string   `json:"-"` // Used for result reordering, not emitted
}

// Embedder generates embeddings for semantic search.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Store manages project and item persistence.
type Store struct {
	db       *sql.DB
	embedder Embedder
}

// NewStore creates a project store using the given database path.
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

// NewStoreWithDB creates a project store using an existing database connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			type TEXT NOT NULL,
			description TEXT,
			tags TEXT,
			size INTEGER DEFAULT 0,
			content TEXT,
			analysis TEXT,
			embedding BLOB,
			created_at TEXT NOT NULL,
			FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_items_project ON items(project_id);
		CREATE INDEX IF NOT EXISTS idx_items_type ON items(project_id, type);
	`)
	return err
}

// SetEmbedder configures the embedding client used for semantic search.
func (s *Store) SetEmbedder(e Embedder) {
	s.embedder = e
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateProject creates a project and returns it.
func (s *Store) CreateProject(name, description string) (*Project, error) {
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}
	id, _ := uuid.NewV7()
	now := time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, description, created_at)
		VALUES (?, ?, ?, ?)
	`, id.String(), name, description, now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}

	return &Project{ID: id.String(), Name: name, Description: description, CreatedAt: now}, nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(id string) (*Project, error) {
	var p Project
	var createdStr string
	var desc sql.NullString

	err := s.db.QueryRow(`
		SELECT id, name, description, created_at FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &desc, &createdStr)
	if err != nil {
		return nil, err
	}
	if desc.Valid {
		p.Description = desc.String
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	return &p, nil
}

// AddItem stores a new item. A missing ID is assigned; Size defaults to
// the content length when unset.
func (s *Store) AddItem(item *Item) error {
	if item.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if item.Filename == "" {
		return fmt.Errorf("filename is required")
	}
	if item.ID == "" {
		id, _ := uuid.NewV7()
		item.ID = id.String()
	}
	if item.Size == 0 {
		item.Size = int64(len(item.Content))
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO items (id, project_id, filename, type, description, tags, size, content, analysis, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.ProjectID, item.Filename, string(item.Type), item.Description,
		string(tags), item.Size, item.Content, item.Analysis,
		encodeEmbedding(item.Embedding), item.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

const itemColumns = `id, project_id, filename, type, description, tags, size, content, analysis, embedding, created_at`

// metaColumns excludes the content payload. Analyses and metadata are
// safe to surface; multi-megabyte base64 blobs are not.
const metaColumns = `id, project_id, filename, type, description, tags, size, '' AS content, analysis, NULL AS embedding, created_at`

// GetItem retrieves an item scoped to a project, including content.
func (s *Store) GetItem(projectID, id string) (*Item, error) {
	return s.scanItem(s.db.QueryRow(
		`SELECT `+itemColumns+` FROM items WHERE project_id = ? AND id = ?`, projectID, id))
}

// GetItemAny retrieves an item by ID without project scoping, including
// content. Used as a deliberate fallback when a project-scoped lookup
// misses (items are occasionally referenced across projects).
func (s *Store) GetItemAny(id string) (*Item, error) {
	return s.scanItem(s.db.QueryRow(
		`SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
}

// GetItemMeta retrieves an item's metadata and analysis with the content
// payload excluded at the SQL projection level.
func (s *Store) GetItemMeta(projectID, id string) (*Item, error) {
	if projectID != "" {
		return s.scanItem(s.db.QueryRow(
			`SELECT `+metaColumns+` FROM items WHERE project_id = ? AND id = ?`, projectID, id))
	}
	return s.scanItem(s.db.QueryRow(
		`SELECT `+metaColumns+` FROM items WHERE id = ?`, id))
}

// ListItems returns all items in a project, metadata only, newest first.
func (s *Store) ListItems(projectID string) ([]*Item, error) {
	rows, err := s.db.Query(
		`SELECT `+metaColumns+` FROM items WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := s.scanItemRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetAnalysis stores an AI-written analysis for an item.
func (s *Store) SetAnalysis(id, analysis string) error {
	res, err := s.db.Exec(`UPDATE items SET analysis = ? WHERE id = ?`, analysis, id)
	if err != nil {
		return fmt.Errorf("update analysis: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item not found: %s", id)
	}
	return nil
}

// SetItemEmbedding stores an embedding vector for an item.
func (s *Store) SetItemEmbedding(id string, emb []float32) error {
	res, err := s.db.Exec(`UPDATE items SET embedding = ? WHERE id = ?`, encodeEmbedding(emb), id)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item not found: %s", id)
	}
	return nil
}

// Search performs semantic search over a project's items. contentType
// filters to one item type when non-empty. Results are ranked by cosine
// similarity against the query embedding; when no embedder is configured
// the store falls back to substring matching over filename, description,
// and analysis.
func (s *Store) Search(ctx context.Context, projectID, query string, contentType ItemType, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}

	if s.embedder == nil {
		return s.likeSearch(projectID, query, contentType, limit)
	}

	queryEmb, err := s.embedder.Generate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	candidates, err := s.embeddedItems(projectID, contentType, "")
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		// Nothing embedded yet. Fall back rather than returning nothing.
		return s.likeSearch(projectID, query, contentType, limit)
	}

	vectors := make([][]float32, len(candidates))
	for i, c := range candidates {
		vectors[i] = c.Embedding
	}

	var results []SearchResult
	for _, hit := range embeddings.RankBySimilarity(queryEmb, vectors, limit) {
		results = append(results, toSearchResult(candidates[hit.Index], float64(hit.Score)))
	}
	return results, nil
}

// SimilarToItem finds the nearest neighbors of an existing item by its
// stored embedding, excluding the item itself. Returns ErrNoEmbedding
// if the source item is missing or has no embedding.
func (s *Store) SimilarToItem(projectID, dataID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 3
	}

	source, err := s.GetItemMetaWithEmbedding(dataID)
	if err != nil || len(source.Embedding) == 0 {
		return nil, ErrNoEmbedding
	}

	candidates, err := s.embeddedItems(projectID, "", dataID)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(candidates))
	for i, c := range candidates {
		vectors[i] = c.Embedding
	}

	var results []SearchResult
	for _, hit := range embeddings.RankBySimilarity(source.Embedding, vectors, limit) {
		results = append(results, toSearchResult(candidates[hit.Index], float64(hit.Score)))
	}
	return results, nil
}

// ErrNoEmbedding reports a similarity lookup against an item that was
// never embedded (or does not exist).
var ErrNoEmbedding = fmt.Errorf("item not found or has no embedding")

// GetItemMetaWithEmbedding loads an item's metadata plus its embedding,
// still excluding the content payload.
func (s *Store) GetItemMetaWithEmbedding(id string) (*Item, error) {
	return s.scanItem(s.db.QueryRow(`
		SELECT id, project_id, filename, type, description, tags, size, '' AS content, analysis, embedding, created_at
		FROM items WHERE id = ?
	`, id))
}

// embeddedItems loads metadata+embedding for all embedded items in a
// project, optionally filtered by type, excluding excludeID.
func (s *Store) embeddedItems(projectID string, contentType ItemType, excludeID string) ([]*Item, error) {
	q := `SELECT id, project_id, filename, type, description, tags, size, '' AS content, analysis, embedding, created_at
		FROM items WHERE embedding IS NOT NULL`
	var args []any
	if projectID != "" {
		q += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if contentType != "" {
		q += ` AND type = ?`
		args = append(args, string(contentType))
	}
	if excludeID != "" {
		q += ` AND id != ?`
		args = append(args, excludeID)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := s.scanItemRows(rows)
		if err != nil {
			return nil, err
		}
		if len(item.Embedding) > 0 {
			items = append(items, item)
		}
	}
	return items, rows.Err()
}

// likeSearch is the keyword fallback when embeddings are unavailable.
func (s *Store) likeSearch(projectID, query string, contentType ItemType, limit int) ([]SearchResult, error) {
	pattern := "%" + query + "%"
	q := `SELECT ` + metaColumns + ` FROM items
		WHERE project_id = ? AND (filename LIKE ? OR description LIKE ? OR analysis LIKE ?)`
	args := []any{projectID, pattern, pattern, pattern}
	if contentType != "" {
		q += ` AND type = ?`
		args = append(args, string(contentType))
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		item, err := s.scanItemRows(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, toSearchResult(item, 0))
	}
	return results, rows.Err()
}

func toSearchResult(item *Item, score float64) SearchResult {
	return SearchResult{
		ID:          item.ID,
		Filename:    item.Filename,
		Type:        item.Type,
		Score:       score,
		Description: item.Description,
		Tags:        item.Tags,
		Size:        item.Size,
		Analysis:    item.Analysis,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanItem(row *sql.Row) (*Item, error) {
	return scanItemFrom(row)
}

func (s *Store) scanItemRows(rows *sql.Rows) (*Item, error) {
	return scanItemFrom(rows)
}

func scanItemFrom(r rowScanner) (*Item, error) {
	var item Item
	var typeStr, createdStr string
	var desc, tags, content, analysis sql.NullString
	var emb []byte

	err := r.Scan(&item.ID, &item.ProjectID, &item.Filename, &typeStr,
		&desc, &tags, &item.Size, &content, &analysis, &emb, &createdStr)
	if err != nil {
		return nil, err
	}

	item.Type = ItemType(typeStr)
	if desc.Valid {
		item.Description = desc.String
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &item.Tags)
	}
	if content.Valid {
		item.Content = content.String
	}
	if analysis.Valid {
		item.Analysis = analysis.String
	}
	item.Embedding = decodeEmbedding(emb)
	item.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)

	return &item, nil
}

// SortAnalyzedFirst stably reorders results so items carrying a
// non-empty analysis sort before those without one. Relative order
// within each group is preserved.
func SortAnalyzedFirst(results []SearchResult) []SearchResult {
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if strings.TrimSpace(r.Analysis) != "" {
			out = append(out, r)
		}
	}
	for _, r := range results {
		if strings.TrimSpace(r.Analysis) == "" {
			out = append(out, r)
		}
	}
	return out
}

// encodeEmbedding serializes a float32 vector as little-endian bytes
// for BLOB storage. Nil and empty vectors encode as nil.
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

// decodeEmbedding deserializes a BLOB back into a float32 vector.
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
