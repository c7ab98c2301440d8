package rag

import (
	"testing"

	"go.uber.org/zap"
)

func TestVectorStore_UpsertAndSearch(t *testing.T) {
	s := NewVectorStore(zap.NewNop())

	chunks := []DocumentChunk{
		{ID: "a", Text: "甲", Embedding: []float32{1, 0, 0}},
		{ID: "b", Text: "乙", Embedding: []float32{0.9, 0.1, 0}},
		{ID: "c", Text: "丙", Embedding: []float32{0, 1, 0}},
	}
	for _, c := range chunks {
		if err := s.Upsert(c); err != nil {
			t.Fatal(err)
		}
	}

	results := s.Search([]float32{1, 0, 0}, 2, nil)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Chunk.ID != "a" {
		t.Errorf("expected closest chunk a, got %s", results[0].Chunk.ID)
	}
	if results[1].Chunk.ID != "b" {
		t.Errorf("expected b second, got %s", results[1].Chunk.ID)
	}
	if results[0].Score < results[1].Score {
		t.Error("results not sorted by similarity")
	}
}

func TestVectorStore_RejectsMissingEmbedding(t *testing.T) {
	s := NewVectorStore(nil)
	if err := s.Upsert(DocumentChunk{ID: "x", Text: "无嵌入"}); err == nil {
		t.Error("expected error for missing embedding")
	}
}

func TestVectorStore_RejectsDimensionMismatch(t *testing.T) {
	s := NewVectorStore(nil)
	if err := s.Upsert(DocumentChunk{ID: "a", Embedding: []float32{1, 0}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(DocumentChunk{ID: "b", Embedding: []float32{1, 0, 0}}); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestVectorStore_QueryTimeFilters(t *testing.T) {
	s := NewVectorStore(nil)
	s.Upsert(DocumentChunk{ID: "a", Source: "lyrics", Embedding: []float32{1, 0}})
	s.Upsert(DocumentChunk{ID: "b", Source: "encyclopedia", Embedding: []float32{1, 0}})

	results := s.Search([]float32{1, 0}, 10, map[string]string{"source": "lyrics"})
	if len(results) != 1 || results[0].Chunk.ID != "a" {
		t.Errorf("expected only lyrics chunk, got %+v", results)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Errorf("identical vectors: expected ~1, got %v", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors: expected 0, got %v", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 0}); got != 0 {
		t.Errorf("zero vector: expected 0, got %v", got)
	}
	if got := cosineSimilarity([]float32{1}, []float32{1, 0}); got != 0 {
		t.Errorf("dimension mismatch: expected 0, got %v", got)
	}
}

func TestVectorStore_DeterministicTies(t *testing.T) {
	s := NewVectorStore(nil)
	// 相同向量强制同分，排序应按 ID 决胜
	for _, id := range []string{"z", "m", "a"} {
		s.Upsert(DocumentChunk{ID: id, Embedding: []float32{1, 0}})
	}

	results := s.Search([]float32{1, 0}, 2, nil)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Chunk.ID != "a" || results[1].Chunk.ID != "m" {
		t.Errorf("tie-break not by ID ascending: %s, %s", results[0].Chunk.ID, results[1].Chunk.ID)
	}
}
