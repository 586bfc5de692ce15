// Package ingest imports markdown documents into a project as
// searchable text items, one item per heading section.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/scribe-agent/scribe/internal/project"
)

// Embedder generates embeddings for ingested chunks.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// MarkdownIngester splits markdown documents into heading-scoped chunks
// and stores each as a project text item.
type MarkdownIngester struct {
	store      *project.Store
	embeddings Embedder
	projectID  string
}

// NewMarkdownIngester creates a markdown document ingester for one project.
func NewMarkdownIngester(store *project.Store, embeddings Embedder, projectID string) *MarkdownIngester {
	return &MarkdownIngester{
		store:      store,
		embeddings: embeddings,
		projectID:  projectID,
	}
}

// Chunk is one semantic unit of a document: a heading path and the
// content under it.
type Chunk struct {
	Key     string
	Content string
}

// IngestFile reads and imports a markdown file. Returns the number of
// items created.
func (m *MarkdownIngester) IngestFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read file: %w", err)
	}
	return m.ingestChunks(ctx, filepath.Base(path), ParseChunks(data))
}

// IngestString imports markdown content from a string under the given
// filename.
func (m *MarkdownIngester) IngestString(ctx context.Context, filename, content string) (int, error) {
	return m.ingestChunks(ctx, filename, ParseChunks([]byte(content)))
}

func (m *MarkdownIngester) ingestChunks(ctx context.Context, filename string, chunks []Chunk) (int, error) {
	count := 0
	for _, chunk := range chunks {
		item := &project.Item{
			ProjectID:   m.projectID,
			Filename:    fmt.Sprintf("%s#%s", filename, chunk.Key),
			Type:        project.TypeText,
			Description: chunk.Key,
			Content:     chunk.Content,
		}

		if m.embeddings != nil {
			embText := fmt.Sprintf("%s - %s", chunk.Key, chunk.Content)
			if emb, err := m.embeddings.Generate(ctx, embText); err == nil {
				item.Embedding = emb
			}
		}

		if err := m.store.AddItem(item); err != nil {
			continue // Skip failures
		}
		count++
	}
	return count, nil
}

// ParseChunks splits markdown into heading-scoped chunks using the
// document AST. Headings up to level 3 open a new chunk keyed by the
// slugified heading path; deeper headings stay inside their parent
// chunk. Content before the first heading is dropped.
func ParseChunks(source []byte) []Chunk {
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var chunks []Chunk
	var path [3]string
	var key string
	var content strings.Builder

	flush := func() {
		body := strings.TrimSpace(content.String())
		if key != "" && body != "" {
			chunks = append(chunks, Chunk{Key: key, Content: body})
		}
		content.Reset()
	}

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		if h, ok := node.(*ast.Heading); ok && h.Level <= 3 {
			flush()
			path[h.Level-1] = slugify(headingText(h, source))
			for i := h.Level; i < 3; i++ {
				path[i] = ""
			}
			var parts []string
			for _, p := range path {
				if p != "" {
					parts = append(parts, p)
				}
			}
			key = strings.Join(parts, "/")
			continue
		}
		content.WriteString(blockText(node, source))
		content.WriteString("\n")
	}
	flush()

	return chunks
}

// headingText extracts the literal text of a heading node.
func headingText(h *ast.Heading, source []byte) string {
	var b strings.Builder
	for c := h.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(source))
		}
	}
	return b.String()
}

// blockText reconstructs a block node's source text from its line
// segments, recursing into containers (lists, quotes).
func blockText(node ast.Node, source []byte) string {
	var b strings.Builder
	if lines := node.Lines(); lines != nil && lines.Len() > 0 {
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.Write(seg.Value(source))
		}
	}
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		if c.Type() == ast.TypeBlock {
			b.WriteString(blockText(c, source))
		}
	}
	return b.String()
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// slugify converts a heading to a key-friendly format.
func slugify(s string) string {
	s = strings.ToLower(s)
	s = slugPattern.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
