package project

import (
	"context"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// mockEmbedder returns fixed vectors keyed by exact text, defaulting to
// a zero-adjacent vector for unknown inputs.
type mockEmbedder struct {
	vectors map[string][]float32
}

func (m *mockEmbedder) Generate(_ context.Context, text string) ([]float32, error) {
	if v, ok := m.vectors[text]; ok {
		return v, nil
	}
	return []float32{0.01, 0.01, 0.01}, nil
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndGetItem(t *testing.T) {
	s := testStore(t)

	item := &Item{
		ProjectID:   "proj-1",
		Filename:    "notes.md",
		Type:        TypeText,
		Description: "meeting notes",
		Tags:        []string{"meetings", "q3"},
		Content:     "aGVsbG8=",
	}
	if err := s.AddItem(item); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if item.ID == "" {
		t.Fatal("item should get an ID assigned")
	}

	got, err := s.GetItem("proj-1", item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Filename != "notes.md" || got.Content != "aGVsbG8=" {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "meetings" {
		t.Errorf("tags lost: %v", got.Tags)
	}
}

func TestGetItemMetaExcludesContent(t *testing.T) {
	s := testStore(t)

	item := &Item{
		ProjectID: "proj-1",
		Filename:  "photo.jpg",
		Type:      TypeImage,
		Content:   "aW1hZ2VieXRlcw==",
		Analysis:  "a photo of a whiteboard",
	}
	if err := s.AddItem(item); err != nil {
		t.Fatalf("add item: %v", err)
	}

	meta, err := s.GetItemMeta("proj-1", item.ID)
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if meta.Content != "" {
		t.Errorf("meta projection must exclude content, got %q", meta.Content)
	}
	if meta.Analysis != "a photo of a whiteboard" {
		t.Errorf("analysis should survive: %q", meta.Analysis)
	}

	// Unscoped lookup also works.
	meta, err = s.GetItemMeta("", item.ID)
	if err != nil {
		t.Fatalf("unscoped get meta: %v", err)
	}
	if meta.Content != "" {
		t.Errorf("unscoped meta leaked content")
	}
}

func TestGetItemAnyCrossProject(t *testing.T) {
	s := testStore(t)

	item := &Item{ProjectID: "proj-other", Filename: "a.md", Type: TypeText, Content: "eA=="}
	if err := s.AddItem(item); err != nil {
		t.Fatalf("add item: %v", err)
	}

	if _, err := s.GetItem("proj-1", item.ID); err == nil {
		t.Fatal("scoped lookup should miss items from other projects")
	}
	got, err := s.GetItemAny(item.ID)
	if err != nil {
		t.Fatalf("unscoped fallback failed: %v", err)
	}
	if got.ID != item.ID {
		t.Errorf("wrong item: %+v", got)
	}
}

func TestSearchKeywordFallback(t *testing.T) {
	s := testStore(t)

	s.AddItem(&Item{ProjectID: "proj-1", Filename: "budget.xlsx", Type: TypeDocument, Description: "quarterly budget"})
	s.AddItem(&Item{ProjectID: "proj-1", Filename: "roadmap.md", Type: TypeText, Description: "product roadmap"})
	s.AddItem(&Item{ProjectID: "proj-2", Filename: "budget-other.xlsx", Type: TypeDocument, Description: "budget elsewhere"})

	results, err := s.Search(context.Background(), "proj-1", "budget", "", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result scoped to project, got %d", len(results))
	}
	if results[0].Filename != "budget.xlsx" {
		t.Errorf("unexpected result: %+v", results[0])
	}
}

func TestSearchSemanticRanking(t *testing.T) {
	s := testStore(t)
	s.SetEmbedder(&mockEmbedder{vectors: map[string][]float32{
		"coffee brewing": {1, 0, 0},
	}})

	near := &Item{ProjectID: "proj-1", Filename: "brew.md", Type: TypeText, Embedding: []float32{0.9, 0.1, 0}}
	far := &Item{ProjectID: "proj-1", Filename: "taxes.md", Type: TypeText, Embedding: []float32{0, 1, 0}}
	if err := s.AddItem(near); err != nil {
		t.Fatal(err)
	}
	if err := s.AddItem(far); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(context.Background(), "proj-1", "coffee brewing", "", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Filename != "brew.md" {
		t.Errorf("expected brew.md ranked first, got %q", results[0].Filename)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %v then %v", results[0].Score, results[1].Score)
	}
}

func TestSearchTypeFilter(t *testing.T) {
	s := testStore(t)
	s.SetEmbedder(&mockEmbedder{vectors: map[string][]float32{}})

	s.AddItem(&Item{ProjectID: "p", Filename: "a.png", Type: TypeImage, Embedding: []float32{1, 0, 0}})
	s.AddItem(&Item{ProjectID: "p", Filename: "a.md", Type: TypeText, Embedding: []float32{1, 0, 0}})

	results, err := s.Search(context.Background(), "p", "anything", TypeImage, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range results {
		if r.Type != TypeImage {
			t.Errorf("type filter leaked %q", r.Type)
		}
	}
}

func TestSimilarToItemExcludesSource(t *testing.T) {
	s := testStore(t)

	a := &Item{ProjectID: "p", Filename: "a", Type: TypeText, Embedding: []float32{1, 0, 0}}
	b := &Item{ProjectID: "p", Filename: "b", Type: TypeText, Embedding: []float32{0.9, 0.1, 0}}
	c := &Item{ProjectID: "p", Filename: "c", Type: TypeText, Embedding: []float32{0, 1, 0}}
	for _, it := range []*Item{a, b, c} {
		if err := s.AddItem(it); err != nil {
			t.Fatal(err)
		}
	}

	results, err := s.SimilarToItem("p", a.ID, 3)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	for _, r := range results {
		if r.ID == a.ID {
			t.Error("source item must be excluded from its own neighbors")
		}
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 neighbors, got %d", len(results))
	}
	if results[0].Filename != "b" {
		t.Errorf("expected nearest neighbor b, got %q", results[0].Filename)
	}
}

func TestSimilarToItemNoEmbedding(t *testing.T) {
	s := testStore(t)

	plain := &Item{ProjectID: "p", Filename: "plain", Type: TypeText}
	if err := s.AddItem(plain); err != nil {
		t.Fatal(err)
	}

	if _, err := s.SimilarToItem("p", plain.ID, 3); err != ErrNoEmbedding {
		t.Errorf("expected ErrNoEmbedding, got %v", err)
	}
	if _, err := s.SimilarToItem("p", "missing-id", 3); err != ErrNoEmbedding {
		t.Errorf("expected ErrNoEmbedding for missing item, got %v", err)
	}
}

func TestSetAnalysis(t *testing.T) {
	s := testStore(t)

	item := &Item{ProjectID: "p", Filename: "f", Type: TypeImage}
	if err := s.AddItem(item); err != nil {
		t.Fatal(err)
	}

	if err := s.SetAnalysis(item.ID, "detailed analysis"); err != nil {
		t.Fatalf("set analysis: %v", err)
	}
	got, _ := s.GetItemMeta("p", item.ID)
	if got.Analysis != "detailed analysis" {
		t.Errorf("analysis not stored: %q", got.Analysis)
	}

	if err := s.SetAnalysis("nope", "x"); err == nil {
		t.Error("expected error for unknown item")
	}
}

func TestSortAnalyzedFirst(t *testing.T) {
	in := []SearchResult{
		{ID: "1"},
		{ID: "2", Analysis: "has one"},
		{ID: "3"},
		{ID: "4", Analysis: "also"},
	}
	out := SortAnalyzedFirst(in)
	wantOrder := []string{"2", "4", "1", "3"}
	for i, want := range wantOrder {
		if out[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, out[i].ID)
		}
	}
}

func TestEmbeddingRoundtrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3.75, 0}
	out := decodeEmbedding(encodeEmbedding(in))
	if len(out) != len(in) {
		t.Fatalf("length mismatch: %d vs %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("index %d: %v != %v", i, in[i], out[i])
		}
	}

	if decodeEmbedding(nil) != nil {
		t.Error("nil blob should decode to nil")
	}
	if decodeEmbedding([]byte{1, 2, 3}) != nil {
		t.Error("truncated blob should decode to nil")
	}
}
