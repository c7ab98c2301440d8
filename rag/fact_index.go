package rag

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// HybridFactIndexConfig 混合事实索引配置
type HybridFactIndexConfig struct {
	// TopK 默认返回条数
	TopK int `json:"top_k" yaml:"top_k"`

	// BM25 参数
	BM25K1 float64 `json:"bm25_k1" yaml:"bm25_k1"`
	BM25B  float64 `json:"bm25_b" yaml:"bm25_b"`

	// RRFK 倒数排名融合常数。越小头部排名权重越大，
	// 60 是拉平排名影响的经验值。
	RRFK int `json:"rrf_k" yaml:"rrf_k"`

	// 嵌入调用限流（每秒请求数；0 表示不限流）
	EmbedRateLimit float64 `json:"embed_rate_limit" yaml:"embed_rate_limit"`
	EmbedBurst     int     `json:"embed_burst" yaml:"embed_burst"`
}

// DefaultHybridFactIndexConfig 返回默认配置。
func DefaultHybridFactIndexConfig() HybridFactIndexConfig {
	return HybridFactIndexConfig{
		TopK:           5,
		BM25K1:         1.5,
		BM25B:          0.75,
		RRFK:           60,
		EmbedRateLimit: 0,
		EmbedBurst:     1,
	}
}

// HybridFactIndex 在同一套分块语料上维护词法与向量两个平行索引，
// 用倒数排名融合（RRF）合并两路排序。
//
// 不变式：写入向量索引的每条分块同时写入词法索引（同一 ID），
// 融合排序因此只需引用一条规范记录。
type HybridFactIndex struct {
	lexical  *LexicalIndex
	vectors  *VectorStore
	embedder Embedder
	limiter  *rate.Limiter
	config   HybridFactIndexConfig
	logger   *zap.Logger
}

// NewHybridFactIndex 创建混合事实索引。embedder 可为 nil（纯词法模式）。
func NewHybridFactIndex(config HybridFactIndexConfig, embedder Embedder, logger *zap.Logger) *HybridFactIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TopK <= 0 {
		config.TopK = 5
	}
	if config.RRFK <= 0 {
		config.RRFK = 60
	}

	var limiter *rate.Limiter
	if config.EmbedRateLimit > 0 {
		burst := config.EmbedBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.EmbedRateLimit), burst)
	}

	return &HybridFactIndex{
		lexical:  NewLexicalIndex(config.BM25K1, config.BM25B, logger),
		vectors:  NewVectorStore(logger),
		embedder: embedder,
		limiter:  limiter,
		config:   config,
		logger:   logger.With(zap.String("component", "fact_index")),
	}
}

// Upsert 将分块写入两个索引。
// 缺嵌入的分块在配置了 embedder 时现场补齐；否则只进词法索引
// （融合时自然降级为词法单路）。
func (h *HybridFactIndex) Upsert(ctx context.Context, chunks []DocumentChunk) error {
	var pending []int
	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			pending = append(pending, i)
		}
	}

	if len(pending) > 0 && h.embedder != nil {
		texts := make([]string, len(pending))
		for i, pi := range pending {
			texts[i] = chunks[pi].Text
		}
		if err := h.waitEmbed(ctx); err != nil {
			return err
		}
		embeddings, err := h.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed %d chunks: %w", len(pending), err)
		}
		if len(embeddings) != len(pending) {
			return fmt.Errorf("embedder returned %d vectors for %d texts", len(embeddings), len(pending))
		}
		for i, pi := range pending {
			chunks[pi].Embedding = embeddings[i]
		}
	}

	for _, c := range chunks {
		h.lexical.Upsert(c)
		if len(c.Embedding) > 0 {
			if err := h.vectors.Upsert(c); err != nil {
				return err
			}
		}
	}

	h.logger.Info("chunks indexed",
		zap.Int("count", len(chunks)),
		zap.Int("lexical_size", h.lexical.Size()),
		zap.Int("vector_size", h.vectors.Size()))
	return nil
}

// Size 返回词法索引中的分块数。
func (h *HybridFactIndex) Size() int {
	return h.lexical.Size()
}

// Search 执行两路检索并做 RRF 融合。
//
// 词法与语义两路各取 2×topK 并发执行；嵌入调用失败降级为纯词法，
// 词法索引为空降级为纯语义，两路皆空返回空列表 —— 调用方必须把
// 空列表当作 "未找到落地事实"，严禁编造。
func (h *HybridFactIndex) Search(ctx context.Context, query string, filters map[string]string, topK int) ([]ScoredChunk, error) {
	if h == nil {
		return nil, ErrFactsNotReady
	}
	if topK <= 0 {
		topK = h.config.TopK
	}
	fetch := 2 * topK

	var lexResults, semResults []ScoredChunk

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lexResults = h.lexical.Search(query, filters, fetch)
		return nil
	})
	g.Go(func() error {
		semResults = h.semanticSearch(gctx, query, filters, fetch)
		return nil
	})
	// 两路都不返回 error：降级在各自内部完成
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fused := h.fuse(lexResults, semResults)
	if len(fused) > topK {
		fused = fused[:topK]
	}

	h.logger.Debug("hybrid search completed",
		zap.Int("lexical_hits", len(lexResults)),
		zap.Int("semantic_hits", len(semResults)),
		zap.Int("fused", len(fused)))
	return fused, nil
}

// semanticSearch 嵌入查询并做最近邻搜索，失败时返回空（降级）。
func (h *HybridFactIndex) semanticSearch(ctx context.Context, query string, filters map[string]string, k int) []ScoredChunk {
	if h.embedder == nil || h.vectors.Size() == 0 {
		return nil
	}
	if err := h.waitEmbed(ctx); err != nil {
		return nil
	}
	embeddings, err := h.embedder.Embed(ctx, []string{query})
	if err != nil || len(embeddings) == 0 {
		h.logger.Warn("query embedding failed, degrading to lexical-only",
			zap.Error(err))
		return nil
	}
	return h.vectors.Search(embeddings[0], k, filters)
}

// waitEmbed 在嵌入调用前等待限流配额。
func (h *HybridFactIndex) waitEmbed(ctx context.Context) error {
	if h.limiter == nil {
		return nil
	}
	return h.limiter.Wait(ctx)
}

// fuse 倒数排名融合：0 起排名 r 的贡献为 1/(k+r+1)，按分块 ID 累加
// （按 ID 去重而非文本，避免前缀相同但元数据不同的分块互相吞没）；
// 只出现在单路的分块同样得分。排序按融合分降序，同分按 ID 升序，
// 保证同一语料同一查询两次调用结果完全一致。
func (h *HybridFactIndex) fuse(lexical, semantic []ScoredChunk) []ScoredChunk {
	k := float64(h.config.RRFK)

	type fusedEntry struct {
		chunk   DocumentChunk
		score   float64
		lexRank int
		semRank int
	}
	merged := make(map[string]*fusedEntry)

	for r, s := range lexical {
		merged[s.Chunk.ID] = &fusedEntry{
			chunk:   s.Chunk,
			score:   1.0 / (k + float64(r) + 1.0),
			lexRank: r,
			semRank: -1,
		}
	}
	for r, s := range semantic {
		if e, ok := merged[s.Chunk.ID]; ok {
			e.score += 1.0 / (k + float64(r) + 1.0)
			e.semRank = r
		} else {
			merged[s.Chunk.ID] = &fusedEntry{
				chunk:   s.Chunk,
				score:   1.0 / (k + float64(r) + 1.0),
				lexRank: -1,
				semRank: r,
			}
		}
	}

	results := make([]ScoredChunk, 0, len(merged))
	for _, e := range merged {
		results = append(results, ScoredChunk{
			Chunk:        e.chunk,
			Score:        e.score,
			LexicalRank:  e.lexRank,
			SemanticRank: e.semRank,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
	return results
}
