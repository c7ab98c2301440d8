package rag

import (
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// lexicalDoc 词法索引中的一条文档及其词频统计。
type lexicalDoc struct {
	chunk DocumentChunk
	freq  map[string]int
	len   int
}

// LexicalIndex 基于 Okapi BM25 的词法索引。
// 与向量索引共享同一套分块 ID，供融合排序引用同一条规范记录。
type LexicalIndex struct {
	mu       sync.RWMutex
	docs     map[string]*lexicalDoc
	df       map[string]int // term -> 含该词的文档数
	totalLen int
	k1       float64
	b        float64
	logger   *zap.Logger
}

// NewLexicalIndex 创建词法索引。k1/b 为 0 时取经验默认值。
func NewLexicalIndex(k1, b float64, logger *zap.Logger) *LexicalIndex {
	if k1 <= 0 {
		k1 = 1.5
	}
	if b <= 0 {
		b = 0.75
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LexicalIndex{
		docs:   make(map[string]*lexicalDoc),
		df:     make(map[string]int),
		k1:     k1,
		b:      b,
		logger: logger.With(zap.String("component", "lexical_index")),
	}
}

// Upsert 写入或覆盖一条分块。
func (x *LexicalIndex) Upsert(chunk DocumentChunk) {
	terms := Terms(chunk.Text)
	freq := make(map[string]int, len(terms))
	for _, t := range terms {
		freq[t]++
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if old, ok := x.docs[chunk.ID]; ok {
		for t := range old.freq {
			x.df[t]--
			if x.df[t] <= 0 {
				delete(x.df, t)
			}
		}
		x.totalLen -= old.len
	}

	x.docs[chunk.ID] = &lexicalDoc{chunk: chunk, freq: freq, len: len(terms)}
	for t := range freq {
		x.df[t]++
	}
	x.totalLen += len(terms)
}

// Size 返回索引中的文档数。
func (x *LexicalIndex) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Search 对全量文档做 BM25 打分，返回得分最高的 limit 条。
// filters 为元数据精确匹配，在打分之后应用（后过滤）。
func (x *LexicalIndex) Search(query string, filters map[string]string, limit int) []ScoredChunk {
	queryTerms := Terms(query)
	if len(queryTerms) == 0 || limit <= 0 {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.docs) == 0 {
		return nil
	}

	n := float64(len(x.docs))
	avgLen := float64(x.totalLen) / n

	idf := make(map[string]float64, len(queryTerms))
	for _, qt := range queryTerms {
		if _, ok := idf[qt]; ok {
			continue
		}
		df := float64(x.df[qt])
		idf[qt] = math.Log((n-df+0.5)/(df+0.5) + 1.0)
	}

	var scored []ScoredChunk
	for _, doc := range x.docs {
		score := 0.0
		docLen := float64(doc.len)
		for _, qt := range queryTerms {
			tf, ok := doc.freq[qt]
			if !ok {
				continue
			}
			num := float64(tf) * (x.k1 + 1.0)
			den := float64(tf) + x.k1*(1.0-x.b+x.b*(docLen/avgLen))
			score += idf[qt] * (num / den)
		}
		if score <= 0 {
			continue
		}
		scored = append(scored, ScoredChunk{Chunk: doc.chunk, Score: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Chunk.ID < scored[j].Chunk.ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	// 后过滤：截断之后应用元数据过滤
	if len(filters) > 0 {
		filtered := scored[:0]
		for _, s := range scored {
			if s.Chunk.matchFilters(filters) {
				filtered = append(filtered, s)
			}
		}
		scored = filtered
	}
	return scored
}
