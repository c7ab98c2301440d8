package rag

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// 工具名称（由外部意图分类器产出，与路由决定一一对应）
const (
	ToolKnowledgeGraph = "query_knowledge_graph"
	ToolKnowledgeBase  = "search_knowledge_base"
	ToolLyrics         = "search_lyrics"
)

// DocumentChunk 代表语料库中的一个文档分块。
// 由外部摄取管线产出，对检索核心而言只增不改。
type DocumentChunk struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Source    string            `json:"source"`
	Topic     string            `json:"topic,omitempty"`
	Category  string            `json:"category,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"embedding,omitempty"`
}

// NewChunkID 生成分块 ID：<source>#<section>::<uuid前8位>。
func NewChunkID(source, section string) string {
	return fmt.Sprintf("%s#%s::%s", source, section, uuid.NewString()[:8])
}

// matchFilters 检查分块是否满足元数据精确匹配过滤条件。
func (c *DocumentChunk) matchFilters(filters map[string]string) bool {
	for k, v := range filters {
		switch k {
		case "topic":
			if c.Topic != v {
				return false
			}
		case "category":
			if c.Category != v {
				return false
			}
		case "source":
			if c.Source != v {
				return false
			}
		default:
			if c.Metadata[k] != v {
				return false
			}
		}
	}
	return true
}

// ScoredChunk 带分数的检索结果。
// LexicalRank/SemanticRank 为各自排名（-1 表示未出现在该列表）。
type ScoredChunk struct {
	Chunk        DocumentChunk `json:"chunk"`
	Score        float64       `json:"score"`
	LexicalRank  int           `json:"lexical_rank"`
	SemanticRank int           `json:"semantic_rank"`
}

// GraphMatchKind 图检索命中类型
type GraphMatchKind string

const (
	// MatchDirect 节点本身即事实（如时间线条目）
	MatchDirect GraphMatchKind = "DirectMatch"
	// MatchNeighbor 起点节点的邻居
	MatchNeighbor GraphMatchKind = "Neighbor"
)

// GraphResult 图检索结果。
// 直接命中时 Result 为节点全文；邻居命中时给出 (Source, Relation, Target) 三元组。
type GraphResult struct {
	Kind     GraphMatchKind `json:"type"`
	Result   string         `json:"result,omitempty"`
	Category string         `json:"category,omitempty"`
	Context  string         `json:"context,omitempty"`
	Source   string         `json:"source,omitempty"`
	Target   string         `json:"target,omitempty"`
	Relation string         `json:"relation,omitempty"`
}

// ResultKind 工具结果的变体标签
type ResultKind string

const (
	ResultGraph  ResultKind = "graph"
	ResultChunks ResultKind = "chunks"
	ResultStatus ResultKind = "status"
)

// StatusNotFound 结构化的未命中标记
const StatusNotFound = "not_found"

// ToolResult 工具调用结果。
// 在工具分发边界构造一次，此后深搜与格式化只处理这一种形状，
// 不再对原始字符串做运行时探测。
type ToolResult struct {
	Kind   ResultKind    `json:"kind"`
	Graph  []GraphResult `json:"graph,omitempty"`
	Chunks []ScoredChunk `json:"chunks,omitempty"`
	Status string        `json:"status,omitempty"`
	Raw    string        `json:"raw,omitempty"`
	Extras []RelatedFact `json:"extras,omitempty"`

	// Recovered 标记图查询落空后由事实索引兜底捞回的结果
	Recovered bool `json:"recovered,omitempty"`
}

// RelatedFact 深搜追加的关联实体档案
type RelatedFact struct {
	Entity  string `json:"entity"`
	Content string `json:"content"`
}

// Empty 判断结果是否为空。
// "找到但为空" 与 "未找到" 在这里统一归为空结果，由编排器显式告知下游。
func (r *ToolResult) Empty() bool {
	if r == nil {
		return true
	}
	if r.Status == StatusNotFound {
		return true
	}
	switch r.Kind {
	case ResultGraph:
		return len(r.Graph) == 0
	case ResultChunks:
		// 兜底捞回的结果只有拼接文本，没有结构化分块
		return len(r.Chunks) == 0 && r.Raw == ""
	case ResultStatus:
		return true
	}
	return r.Raw == ""
}

// newGraphResult 从图检索结果构造 ToolResult。
func newGraphResult(results []GraphResult) *ToolResult {
	if len(results) == 0 {
		return &ToolResult{Kind: ResultGraph, Status: StatusNotFound}
	}
	raw, _ := json.Marshal(results)
	return &ToolResult{Kind: ResultGraph, Graph: results, Raw: string(raw)}
}

// newChunksResult 从事实检索结果构造 ToolResult。
// Raw 为压缩后的 {content, source} 列表，供下游 LLM 直接消费。
func newChunksResult(chunks []ScoredChunk) *ToolResult {
	if len(chunks) == 0 {
		return &ToolResult{Kind: ResultChunks, Status: StatusNotFound}
	}
	type compressed struct {
		Content string `json:"content"`
		Source  string `json:"source"`
	}
	out := make([]compressed, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, compressed{Content: c.Chunk.Text, Source: c.Chunk.Source})
	}
	raw, _ := json.Marshal(out)
	return &ToolResult{Kind: ResultChunks, Chunks: chunks, Raw: string(raw)}
}

// GroundingContext 返回给上层会话编排的落地上下文。
// Found=false 时 Text 含显式 "未找到/严禁编造" 指令，下游不得擅自补全。
type GroundingContext struct {
	Text     string `json:"text"`
	Found    bool   `json:"found"`
	ToolUsed string `json:"tool_used,omitempty"`
}

// RoutingDecision 外部意图分类器产出的路由决定。
// Tool 为空表示 "无需工具"（闲聊），这类决定不会进入缓存。
type RoutingDecision struct {
	Tool      string            `json:"tool"`
	Args      map[string]string `json:"args,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
