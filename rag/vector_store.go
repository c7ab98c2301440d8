package rag

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

// Embedder 外部嵌入函数接口。
// 调用失败时由 HybridFactIndex 捕获并降级为纯词法检索。
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore 内存向量索引（余弦距离暴力搜索）。
// 语料规模在万级以内，平坦索引足够；更大规模换 HNSW 后端时
// 接口保持不变。
type VectorStore struct {
	mu      sync.RWMutex
	vectors map[string][]float32
	chunks  map[string]DocumentChunk
	dim     int
	logger  *zap.Logger
}

// NewVectorStore 创建向量索引。
func NewVectorStore(logger *zap.Logger) *VectorStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VectorStore{
		vectors: make(map[string][]float32),
		chunks:  make(map[string]DocumentChunk),
		logger:  logger.With(zap.String("component", "vector_store")),
	}
}

// Upsert 写入或覆盖一条带嵌入的分块。
// 维度以首条写入为准，不一致的写入被拒绝。
func (s *VectorStore) Upsert(chunk DocumentChunk) error {
	if len(chunk.Embedding) == 0 {
		return fmt.Errorf("chunk %s has no embedding", chunk.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dim == 0 {
		s.dim = len(chunk.Embedding)
	} else if len(chunk.Embedding) != s.dim {
		return fmt.Errorf("chunk %s: embedding dimension %d, index dimension %d",
			chunk.ID, len(chunk.Embedding), s.dim)
	}

	s.vectors[chunk.ID] = chunk.Embedding
	s.chunks[chunk.ID] = chunk
	return nil
}

// Size 返回索引中的向量数。
func (s *VectorStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vectors)
}

// Search 余弦相似度最近邻搜索，返回得分最高的 k 条。
// filters 作为精确匹配谓词在查询时应用（候选在打分前即被排除）。
func (s *VectorStore) Search(query []float32, k int, filters map[string]string) []ScoredChunk {
	if len(query) == 0 || k <= 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// 小顶堆维护 top-k
	h := &chunkHeap{}
	heap.Init(h)
	for id, vec := range s.vectors {
		chunk := s.chunks[id]
		if len(filters) > 0 && !chunk.matchFilters(filters) {
			continue
		}
		score := cosineSimilarity(query, vec)
		if h.Len() < k {
			heap.Push(h, scoredRef{id: id, score: score})
		} else if top := (*h)[0]; score > top.score || (score == top.score && id < top.id) {
			heap.Pop(h)
			heap.Push(h, scoredRef{id: id, score: score})
		}
	}

	results := make([]ScoredChunk, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		ref := heap.Pop(h).(scoredRef)
		results[i] = ScoredChunk{Chunk: s.chunks[ref.id], Score: ref.score}
	}
	return results
}

// cosineSimilarity 计算余弦相似度，维度不符或零向量返回 0。
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ====== 堆实现 ======

type scoredRef struct {
	id    string
	score float64
}

// chunkHeap 小顶堆，堆顶为当前 top-k 中分数最低的一条。
// 分数相同时 ID 大者视为更小，保证结果排序确定。
type chunkHeap []scoredRef

func (h chunkHeap) Len() int { return len(h) }
func (h chunkHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].id > h[j].id
}
func (h chunkHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *chunkHeap) Push(x any) {
	*h = append(*h, x.(scoredRef))
}

func (h *chunkHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
