package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/scribe-agent/scribe/internal/project"

	_ "github.com/mattn/go-sqlite3"
)

const sampleDoc = `# Coffee Brewing Methods

A guide to popular ways of brewing coffee at home.

## Pour Over

Pour over produces a clean, bright cup by slowly dripping water through grounds.

### Equipment Needed

You'll need a dripper, paper filters, a gooseneck kettle, and a scale.

## French Press

French press creates a full-bodied cup with more oils and sediment.
`

func TestParseChunks(t *testing.T) {
	chunks := ParseChunks([]byte(sampleDoc))
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d: %+v", len(chunks), chunks)
	}

	wantKeys := []string{
		"coffee-brewing-methods",
		"coffee-brewing-methods/pour-over",
		"coffee-brewing-methods/pour-over/equipment-needed",
		"coffee-brewing-methods/french-press",
	}
	for i, want := range wantKeys {
		if chunks[i].Key != want {
			t.Errorf("chunk %d key = %q, want %q", i, chunks[i].Key, want)
		}
	}

	if !strings.Contains(chunks[1].Content, "clean, bright cup") {
		t.Errorf("chunk content wrong: %q", chunks[1].Content)
	}
	if !strings.Contains(chunks[2].Content, "gooseneck kettle") {
		t.Errorf("h3 chunk content wrong: %q", chunks[2].Content)
	}
}

func TestParseChunksCodeBlocks(t *testing.T) {
	doc := "# Setup\n\nInstall it:\n\n```sh\nmake install\n```\n\nDone.\n"
	chunks := ParseChunks([]byte(doc))
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if !strings.Contains(chunks[0].Content, "make install") {
		t.Errorf("code block content lost: %q", chunks[0].Content)
	}
}

func TestParseChunksNoHeadings(t *testing.T) {
	chunks := ParseChunks([]byte("just a paragraph with no structure"))
	if len(chunks) != 0 {
		t.Errorf("headingless content should produce no chunks, got %d", len(chunks))
	}
}

type countingEmbedder struct {
	calls int
}

func (c *countingEmbedder) Generate(_ context.Context, _ string) ([]float32, error) {
	c.calls++
	return []float32{0.1, 0.2, 0.3}, nil
}

func TestIngestString(t *testing.T) {
	store, err := project.NewStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	emb := &countingEmbedder{}
	ingester := NewMarkdownIngester(store, emb, "proj-1")

	count, err := ingester.IngestString(context.Background(), "guide.md", sampleDoc)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 items, got %d", count)
	}
	if emb.calls != 4 {
		t.Errorf("expected 4 embedding calls, got %d", emb.calls)
	}

	items, err := store.ListItems("proj-1")
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("expected 4 stored items, got %d", len(items))
	}
	for _, item := range items {
		if item.Type != project.TypeText {
			t.Errorf("expected text item, got %q", item.Type)
		}
		if !strings.HasPrefix(item.Filename, "guide.md#") {
			t.Errorf("filename should carry the chunk key: %q", item.Filename)
		}
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Pour Over", "pour-over"},
		{"What's New? (2026)", "what-s-new-2026"},
		{"  spaces  ", "spaces"},
	}
	for _, tc := range cases {
		if got := slugify(tc.in); got != tc.want {
			t.Errorf("slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
