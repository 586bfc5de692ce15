package embeddings

import (
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"mismatched lengths", []float32{1, 0}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineSimilarity(tc.a, tc.b)
			if math.Abs(float64(got-tc.want)) > 1e-6 {
				t.Errorf("CosineSimilarity = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRankBySimilarity(t *testing.T) {
	query := []float32{1, 0}
	vectors := [][]float32{
		{0, 1},        // orthogonal
		{1, 0},        // identical
		{0.7, 0.7},    // diagonal
		{-1, 0},       // opposite
	}

	top := RankBySimilarity(query, vectors, 2)
	if len(top) != 2 {
		t.Fatalf("expected 2 results, got %d", len(top))
	}
	if top[0].Index != 1 {
		t.Errorf("best match should be the identical vector, got index %d", top[0].Index)
	}
	if top[1].Index != 2 {
		t.Errorf("second should be the diagonal vector, got index %d", top[1].Index)
	}
	if top[0].Score < top[1].Score {
		t.Error("results must be ordered best first")
	}
}

func TestRankBySimilarityBounds(t *testing.T) {
	query := []float32{1}
	vectors := [][]float32{{1}, {1}}

	if got := RankBySimilarity(query, vectors, 10); len(got) != 2 {
		t.Errorf("k beyond len should return all, got %d", len(got))
	}
	if got := RankBySimilarity(query, vectors, -1); len(got) != 0 {
		t.Errorf("negative k should return none, got %d", len(got))
	}
	if got := RankBySimilarity(query, nil, 3); len(got) != 0 {
		t.Errorf("no candidates should return none, got %d", len(got))
	}
}
