package rag

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

// stubEmbedder 把文本映射到预置向量，未知文本落到 fallback。
type stubEmbedder struct {
	vectors  map[string][]float32
	fallback []float32
	err      error
	calls    int
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := s.vectors[text]; ok {
			out[i] = v
		} else {
			out[i] = s.fallback
		}
	}
	return out, nil
}

func testChunks() []DocumentChunk {
	return []DocumentChunk{
		{ID: "c1", Text: "《勾指起誓》由 ilem 创作", Topic: "勾指起誓", Source: "encyclopedia"},
		{ID: "c2", Text: "普通DISCO 是一首电子风格歌曲", Topic: "普通DISCO", Source: "encyclopedia"},
		{ID: "c3", Text: "2018年举办了初次全息演唱会", Topic: "演唱会", Source: "encyclopedia"},
	}
}

func newTestFactIndex(t *testing.T, embedder Embedder) *HybridFactIndex {
	t.Helper()
	h := NewHybridFactIndex(DefaultHybridFactIndexConfig(), embedder, zap.NewNop())
	if err := h.Upsert(context.Background(), testChunks()); err != nil {
		t.Fatal(err)
	}
	return h
}

func TestHybridSearch_LexicalOnly(t *testing.T) {
	// 无 embedder：纯词法模式
	h := newTestFactIndex(t, nil)

	results, err := h.Search(context.Background(), "勾指起誓", nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected lexical-only hits")
	}
	if results[0].Chunk.ID != "c1" {
		t.Errorf("expected c1 first, got %s", results[0].Chunk.ID)
	}
	if results[0].SemanticRank != -1 {
		t.Errorf("expected no semantic rank, got %d", results[0].SemanticRank)
	}
}

func TestHybridSearch_EmbedFailureDegradesToLexical(t *testing.T) {
	embedder := &stubEmbedder{fallback: []float32{1, 0}}
	h := newTestFactIndex(t, embedder)

	// 查询时嵌入开始失败
	embedder.err = errors.New("embedding backend down")
	results, err := h.Search(context.Background(), "勾指起誓", nil, 5)
	if err != nil {
		t.Fatalf("degradation must not surface an error: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected lexical results despite embed failure")
	}
}

func TestHybridSearch_BothLegsEmpty(t *testing.T) {
	h := NewHybridFactIndex(DefaultHybridFactIndexConfig(), nil, nil)

	results, err := h.Search(context.Background(), "任何查询", nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected empty result on empty corpus, got %d", len(results))
	}
}

func TestHybridSearch_FusionAccumulates(t *testing.T) {
	embedder := &stubEmbedder{
		vectors: map[string][]float32{
			"《勾指起誓》由 ilem 创作":      {1, 0},
			"普通DISCO 是一首电子风格歌曲":   {0, 1},
			"2018年举办了初次全息演唱会":     {0.5, 0.5},
			"勾指起誓":                {0.95, 0.05},
		},
		fallback: []float32{0, 0.1},
	}
	h := newTestFactIndex(t, embedder)

	results, err := h.Search(context.Background(), "勾指起誓", nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected fused hits")
	}
	// c1 在两路都居首，融合后必须第一且带双排名
	if results[0].Chunk.ID != "c1" {
		t.Errorf("expected c1 first after fusion, got %s", results[0].Chunk.ID)
	}
	if results[0].LexicalRank != 0 || results[0].SemanticRank != 0 {
		t.Errorf("expected rank 0 in both legs, got lex=%d sem=%d",
			results[0].LexicalRank, results[0].SemanticRank)
	}
}

func TestHybridSearch_Deterministic(t *testing.T) {
	h := newTestFactIndex(t, nil)

	first, err := h.Search(context.Background(), "演唱会 歌曲", nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.Search(context.Background(), "演唱会 歌曲", nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatal("result lengths differ between identical calls")
	}
	for i := range first {
		if first[i].Chunk.ID != second[i].Chunk.ID || first[i].Score != second[i].Score {
			t.Errorf("result %d differs between calls", i)
		}
	}
}

func TestHybridUpsert_BackfillsEmbeddings(t *testing.T) {
	embedder := &stubEmbedder{fallback: []float32{1, 0}}
	h := NewHybridFactIndex(DefaultHybridFactIndexConfig(), embedder, nil)

	if err := h.Upsert(context.Background(), testChunks()); err != nil {
		t.Fatal(err)
	}
	if embedder.calls == 0 {
		t.Error("expected embedder to backfill missing embeddings")
	}
	if h.vectors.Size() != len(testChunks()) {
		t.Errorf("expected %d vectors, got %d", len(testChunks()), h.vectors.Size())
	}
}

func TestHybridUpsert_EmbedErrorPropagates(t *testing.T) {
	embedder := &stubEmbedder{err: errors.New("backend down")}
	h := NewHybridFactIndex(DefaultHybridFactIndexConfig(), embedder, nil)

	if err := h.Upsert(context.Background(), testChunks()); err == nil {
		t.Error("expected upsert error when backfill fails")
	}
}

func TestHybridSearch_CancelledContext(t *testing.T) {
	h := newTestFactIndex(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Search(ctx, "勾指起誓", nil, 5); err == nil {
		t.Error("expected error on cancelled context")
	}
}
