package rag

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/resonance/internal/metrics"
)

// DeepSearchConfig 深搜扩展配置
type DeepSearchConfig struct {
	// MaxDepth 最大扩展轮数（第 0 层为原始调用）
	MaxDepth int `json:"max_depth" yaml:"max_depth"`
	// MaxFanout 每轮最多追查的候选实体数
	MaxFanout int `json:"max_fanout" yaml:"max_fanout"`
	// MinPayload 关联结果的最小有效长度，低于此值视为噪音丢弃
	MinPayload int `json:"min_payload" yaml:"min_payload"`
	// LookupTopK 关联实体查询的返回条数
	LookupTopK int `json:"lookup_top_k" yaml:"lookup_top_k"`
}

// DefaultDeepSearchConfig 返回默认配置。
func DefaultDeepSearchConfig() DeepSearchConfig {
	return DeepSearchConfig{
		MaxDepth:   2,
		MaxFanout:  2,
		MinPayload: 50,
		LookupTopK: 2,
	}
}

// 语料中标题惯用「」与《》包裹
var bracketPattern = regexp.MustCompile(`[「《](.*?)[」》]`)

// DeepSearchExpander 对首轮工具结果做有界的多跳扩展：
// 抽取结果中提到的其他实体名，回查事实索引并附加关联档案。
// 扩展受三重约束：轮数上限、每轮扇出上限、请求级访问集合去重。
type DeepSearchExpander struct {
	facts   *HybridFactIndex
	config  DeepSearchConfig
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewDeepSearchExpander 创建深搜扩展器。collector 可为 nil。
func NewDeepSearchExpander(facts *HybridFactIndex, config DeepSearchConfig, collector *metrics.Collector, logger *zap.Logger) *DeepSearchExpander {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxDepth <= 0 {
		config.MaxDepth = 2
	}
	if config.MaxFanout <= 0 {
		config.MaxFanout = 2
	}
	if config.MinPayload <= 0 {
		config.MinPayload = 50
	}
	if config.LookupTopK <= 0 {
		config.LookupTopK = 2
	}
	return &DeepSearchExpander{
		facts:   facts,
		config:  config,
		metrics: collector,
		logger:  logger.With(zap.String("component", "deep_search")),
	}
}

// visitedSet 请求级的 (tool, args) 访问集合，仅存活于单次编排调用。
type visitedSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newVisitedSet() *visitedSet {
	return &visitedSet{keys: make(map[string]struct{})}
}

// touch 标记键并报告此前是否已出现。
// 键取 (tool, 参数 JSON)；encoding/json 对 map 键排序，
// 语义相同但枚举顺序不同的参数因此落到同一个键上。
func (v *visitedSet) touch(tool string, args map[string]string) bool {
	payload, _ := json.Marshal(args)
	key := tool + "|" + string(payload)

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.keys[key]; ok {
		return true
	}
	v.keys[key] = struct{}{}
	return false
}

// Expand 对工具结果做最多 MaxDepth 轮扩展，返回附加了关联档案的结果。
// 原始结果为空且来自图工具时，先用原始实体名对事实索引做一次兜底查询
// （图里未连接但散落在自由文本中的事实由此捞回）。
// 上下文取消时停止发起新查询，返回已累积的部分结果。
func (e *DeepSearchExpander) Expand(ctx context.Context, result *ToolResult, toolName string, originalArgs map[string]string) *ToolResult {
	if result == nil || e.facts == nil {
		return result
	}

	visited := newVisitedSet()
	visited.touch(toolName, originalArgs)

	origin := ""
	for _, key := range []string{"entity_name", "query", "lyrics_snippet", "song_title"} {
		if v := originalArgs[key]; v != "" {
			origin = v
			break
		}
	}

	// 图工具空结果的兜底：事实索引最后一搏
	if result.Empty() && toolName == ToolKnowledgeGraph && origin != "" {
		if !visited.touch(ToolKnowledgeBase, map[string]string{"query": origin}) {
			if fallback := e.lookup(ctx, origin); fallback != "" {
				e.logger.Info("graph miss recovered from fact index",
					zap.String("entity", origin))
				result = &ToolResult{Kind: ResultChunks, Raw: fallback, Recovered: true}
			}
		}
		if result.Empty() {
			return result
		}
	}

	enriched := *result
	seen := map[string]struct{}{}

	for depth := 1; depth < e.config.MaxDepth+1; depth++ {
		if ctx.Err() != nil {
			break
		}

		candidates := e.collectCandidates(&enriched, origin, seen)
		if len(candidates) == 0 {
			break
		}
		if len(candidates) > e.config.MaxFanout {
			candidates = candidates[:e.config.MaxFanout]
		}

		// 候选查询彼此独立，并发发起后汇合
		facts := make([]RelatedFact, len(candidates))
		g, gctx := errgroup.WithContext(ctx)
		for i, cand := range candidates {
			if visited.touch(ToolKnowledgeBase, map[string]string{"query": cand}) {
				continue
			}
			g.Go(func() error {
				if content := e.lookup(gctx, cand); content != "" {
					facts[i] = RelatedFact{Entity: cand, Content: content}
				}
				return nil
			})
		}
		_ = g.Wait()

		added := 0
		for _, f := range facts {
			if f.Entity == "" {
				continue
			}
			enriched.Extras = append(enriched.Extras, f)
			added++
		}
		e.logger.Debug("deep search round completed",
			zap.Int("depth", depth),
			zap.Int("candidates", len(candidates)),
			zap.Int("added", added))
		if added == 0 {
			break
		}
	}
	return &enriched
}

// collectCandidates 从结果中抽取候选实体名：结构化字段优先，
// 再扫原始文本中的「」《》包裹片段。已出现过与过短的候选被剔除。
func (e *DeepSearchExpander) collectCandidates(result *ToolResult, origin string, seen map[string]struct{}) []string {
	var out []string
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || name == origin {
			return
		}
		if utf8.RuneCountInString(name) < 2 {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}

	for _, gr := range result.Graph {
		if gr.Result != "" {
			add(gr.Result)
		}
		if gr.Target != "" {
			add(gr.Target)
		}
	}
	for _, c := range result.Chunks {
		if c.Chunk.Topic != "" {
			add(c.Chunk.Topic)
		}
	}
	for _, f := range result.Extras {
		for _, m := range bracketPattern.FindAllStringSubmatch(f.Content, -1) {
			add(m[1])
		}
	}
	for _, m := range bracketPattern.FindAllStringSubmatch(result.Raw, -1) {
		add(m[1])
	}

	sort.Strings(out)
	return out
}

// lookup 对单个候选实体做事实索引查询，
// 结果过短（噪音）或为空时返回空串。
func (e *DeepSearchExpander) lookup(ctx context.Context, entity string) string {
	chunks, err := e.facts.Search(ctx, entity, nil, e.config.LookupTopK)
	if err != nil {
		e.logger.Warn("related entity lookup failed",
			zap.String("entity", entity),
			zap.Error(err))
		e.metrics.RecordDeepSearchLookup("error")
		return ""
	}
	if len(chunks) == 0 {
		e.metrics.RecordDeepSearchLookup("miss")
		return ""
	}

	var sb strings.Builder
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(c.Chunk.Text)
	}
	content := sb.String()
	if len(content) <= e.config.MinPayload {
		e.metrics.RecordDeepSearchLookup("thin")
		return ""
	}
	e.metrics.RecordDeepSearchLookup("hit")
	return content
}
