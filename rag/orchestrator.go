package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/resonance/circuitbreaker"
	"github.com/BaSui01/resonance/internal/metrics"
)

// GraphSearcher 图检索接口（由 EntityGraphIndex 或其快照句柄实现）。
type GraphSearcher interface {
	Search(query, relationFilter string) ([]GraphResult, error)
}

// FactSearcher 事实检索接口（由 HybridFactIndex 实现）。
type FactSearcher interface {
	Search(ctx context.Context, query string, filters map[string]string, topK int) ([]ScoredChunk, error)
}

// OrchestratorConfig 编排器配置
type OrchestratorConfig struct {
	// TopK 事实检索返回条数
	TopK int `json:"top_k" yaml:"top_k"`
	// ContextTokenBudget 落地上下文的 token 预算（0 表示不裁剪）
	ContextTokenBudget int `json:"context_token_budget" yaml:"context_token_budget"`
}

// DefaultOrchestratorConfig 返回默认配置。
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		TopK:               5,
		ContextTokenBudget: 2000,
	}
}

// 落地上下文的格式模板。
// 下游 LLM 依赖这些标记区分 "有数据/无数据/兜底数据"，改动需同步提示词。
const (
	headerData     = "【共鸣雷达数据】"
	headerFeedback = "【共鸣雷达反馈】"
	headerRecovery = "【共鸣雷达补救】"
	headerRelated  = "【关联档案：%s】"

	notFoundContext    = "\n\n" + headerFeedback + "\n结果: 未找到任何相关数据。\n[系统指令] 严禁编造。"
	unavailableContext = "\n\n" + headerFeedback + "\n结果: 检索服务暂时不可用。\n[系统指令] 严禁编造，如实告知用户稍后再试。"
)

// Orchestrator 检索编排器：给定外部意图分类器产出的路由决定，
// 经熔断守卫分发到对应索引，做深搜扩展，返回格式化的落地上下文。
type Orchestrator struct {
	graph    GraphSearcher
	facts    FactSearcher
	breaker  *circuitbreaker.Registry
	expander *DeepSearchExpander
	counter  TokenCounter
	metrics  *metrics.Collector
	tracer   trace.Tracer
	config   OrchestratorConfig
	logger   *zap.Logger
}

// NewOrchestrator 创建编排器。
// graph/facts 为检索后端，expander 可为 nil（关闭深搜），
// counter 可为 nil（关闭预算裁剪），collector 可为 nil。
func NewOrchestrator(
	config OrchestratorConfig,
	graph GraphSearcher,
	facts FactSearcher,
	breaker *circuitbreaker.Registry,
	expander *DeepSearchExpander,
	counter TokenCounter,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TopK <= 0 {
		config.TopK = 5
	}
	if breaker == nil {
		breaker = circuitbreaker.NewRegistry(nil, logger)
	}
	return &Orchestrator{
		graph:    graph,
		facts:    facts,
		breaker:  breaker,
		expander: expander,
		counter:  counter,
		metrics:  collector,
		tracer:   otel.Tracer("resonance/rag"),
		config:   config,
		logger:   logger.With(zap.String("component", "orchestrator")),
	}
}

// Execute 执行一次检索编排。
//
// 可恢复情形（未命中、熔断、后端降级）折叠进 GroundingContext.Found，
// 只有索引未初始化这类硬错误以 error 返回。
func (o *Orchestrator) Execute(ctx context.Context, query string, decision RoutingDecision) (GroundingContext, error) {
	ctx, span := o.tracer.Start(ctx, "rag.Execute",
		trace.WithAttributes(
			attribute.String("rag.tool", decision.Tool),
			attribute.Int("rag.query_len", len(query)),
		))
	defer span.End()

	tool := decision.Tool
	switch tool {
	case ToolKnowledgeGraph, ToolKnowledgeBase, ToolLyrics:
	case "":
		return GroundingContext{}, nil
	default:
		o.logger.Warn("unrecognized tool in routing decision", zap.String("tool", tool))
		return GroundingContext{}, nil
	}

	if !o.breaker.Allow(tool) {
		o.logger.Warn("tool short-circuited", zap.String("tool", tool))
		o.metrics.RecordToolCall(tool, "short_circuit", 0)
		span.SetAttributes(attribute.Bool("rag.short_circuit", true))
		return GroundingContext{Text: unavailableContext, Found: false, ToolUsed: tool}, nil
	}

	start := time.Now()
	result, err := o.dispatch(ctx, tool, decision.Args)
	elapsed := time.Since(start)
	if err != nil {
		o.breaker.OnFailure(tool)
		o.metrics.RecordToolCall(tool, "error", elapsed)
		o.logger.Error("tool dispatch failed",
			zap.String("tool", tool),
			zap.Error(err))
		return GroundingContext{}, fmt.Errorf("dispatch %s: %w", tool, err)
	}
	o.breaker.OnSuccess(tool)
	o.metrics.RecordToolCall(tool, "ok", elapsed)

	if o.expander != nil {
		result = o.expander.Expand(ctx, result, tool, decision.Args)
	}

	text, found := o.format(tool, result)
	if o.counter != nil && o.config.ContextTokenBudget > 0 {
		text = TrimToTokens(text, o.config.ContextTokenBudget, o.counter)
	}

	span.SetAttributes(
		attribute.Bool("rag.found", found),
		attribute.Int("rag.context_len", len(text)),
	)
	o.logger.Info("retrieval completed",
		zap.String("tool", tool),
		zap.Bool("found", found),
		zap.Duration("elapsed", elapsed))
	return GroundingContext{Text: text, Found: found, ToolUsed: tool}, nil
}

// dispatch 按工具名分发到对应索引，在边界处统一为 ToolResult。
func (o *Orchestrator) dispatch(ctx context.Context, tool string, args map[string]string) (*ToolResult, error) {
	switch tool {
	case ToolKnowledgeGraph:
		if o.graph == nil {
			return nil, ErrGraphNotBuilt
		}
		results, err := o.graph.Search(args["entity_name"], args["relation_type"])
		if err != nil {
			return nil, err
		}
		return newGraphResult(results), nil

	case ToolKnowledgeBase:
		if o.facts == nil {
			return nil, ErrFactsNotReady
		}
		var filters map[string]string
		if cat := args["filter_category"]; cat != "" {
			filters = map[string]string{"category": cat}
		}
		chunks, err := o.facts.Search(ctx, args["query"], filters, o.config.TopK)
		if err != nil {
			return nil, err
		}
		return newChunksResult(chunks), nil

	case ToolLyrics:
		if o.facts == nil {
			return nil, ErrFactsNotReady
		}
		// 歌词是事实语料的一个分区，按来源过滤即可复用混合检索
		query := args["lyrics_snippet"]
		if query == "" {
			query = args["song_title"]
		}
		chunks, err := o.facts.Search(ctx, query, map[string]string{"source": "lyrics"}, o.config.TopK)
		if err != nil {
			return nil, err
		}
		return newChunksResult(chunks), nil
	}
	return nil, fmt.Errorf("unknown tool %q", tool)
}

// format 将工具结果格式化为落地上下文文本。
// 空结果给出显式 "未找到" 指令；兜底结果单独标注；
// 深搜附加的关联档案逐条以分隔标题拼接。
func (o *Orchestrator) format(tool string, result *ToolResult) (string, bool) {
	if result.Empty() {
		return notFoundContext, false
	}

	if result.Recovered {
		return fmt.Sprintf("\n\n%s\n原图谱查询失败，但在档案库中发现：\n%s\n(请依据以上数据回答用户。)",
			headerRecovery, result.Raw), true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "\n\n%s\n工具调用: %s\n检索结果: %s", headerData, tool, result.Raw)
	for _, f := range result.Extras {
		sb.WriteString("\n\n")
		fmt.Fprintf(&sb, headerRelated, f.Entity)
		sb.WriteString("\n")
		sb.WriteString(f.Content)
	}
	sb.WriteString("\n(请根据以上真实数据回答用户。)")
	return sb.String(), true
}
