// Package resonance provides the grounded retrieval core for a
// conversational knowledge assistant: an entity graph index, a hybrid
// lexical+semantic fact index, a bounded deep-search expander, a per-tool
// circuit breaker and a routing-decision cache, orchestrated behind a
// single Execute entry point.
//
// Usage:
//
//	import "github.com/BaSui01/resonance"
//
//	eng, err := resonance.New(resonance.WithEmbedder(myEmbedder))
//	eng.RebuildGraph(taxonomy)
//	eng.UpsertChunks(ctx, chunks)
//	gc, err := eng.Execute(ctx, query, decision)
//
// Index rebuilds are copy-on-replace: a rebuild constructs a fresh graph
// and atomically swaps the reader-visible reference, so in-flight reads
// keep working against the old snapshot.
package resonance

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/resonance/circuitbreaker"
	"github.com/BaSui01/resonance/config"
	"github.com/BaSui01/resonance/internal/metrics"
	"github.com/BaSui01/resonance/rag"
)

// Engine is the assembled retrieval core. All methods are safe for
// concurrent use.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	graph        atomic.Pointer[rag.EntityGraphIndex]
	facts        *rag.HybridFactIndex
	breaker      *circuitbreaker.Registry
	cache        *rag.RoutingCache
	orchestrator *rag.Orchestrator
	collector    *metrics.Collector
}

// Option configures the engine created by [New].
type Option func(*options)

type options struct {
	cfg        *config.Config
	logger     *zap.Logger
	embedder   rag.Embedder
	rdb        redis.UniversalClient
	registerer prometheus.Registerer
}

// WithConfig sets the full configuration. Defaults are used when omitted.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEmbedder sets the external embedding function. Without one the fact
// index runs in lexical-only mode.
func WithEmbedder(e rag.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithRedis sets a Redis client used as the routing cache's second level.
func WithRedis(rdb redis.UniversalClient) Option {
	return func(o *options) { o.rdb = rdb }
}

// WithRegisterer sets the Prometheus registerer for metrics. Pass a
// dedicated registry in tests to avoid duplicate registration.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// New assembles the retrieval core.
func New(opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.cfg
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = NewLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, o.registerer, logger)
	}

	breaker := circuitbreaker.NewRegistry(&circuitbreaker.Config{
		Threshold: cfg.Breaker.Threshold,
		Cooldown:  cfg.Breaker.Cooldown,
		OnStateChange: func(tool string, _, to circuitbreaker.State) {
			collector.RecordBreakerTransition(tool, to.String())
		},
	}, logger)

	facts := rag.NewHybridFactIndex(rag.HybridFactIndexConfig{
		TopK:           cfg.Retrieval.TopK,
		BM25K1:         cfg.Retrieval.BM25K1,
		BM25B:          cfg.Retrieval.BM25B,
		RRFK:           cfg.Retrieval.RRFK,
		EmbedRateLimit: cfg.Retrieval.EmbedRateLimit,
		EmbedBurst:     cfg.Retrieval.EmbedBurst,
	}, o.embedder, logger)

	expander := rag.NewDeepSearchExpander(facts, rag.DeepSearchConfig{
		MaxDepth:   cfg.DeepSearch.MaxDepth,
		MaxFanout:  cfg.DeepSearch.MaxFanout,
		MinPayload: cfg.DeepSearch.MinPayload,
		LookupTopK: cfg.DeepSearch.LookupTopK,
	}, collector, logger)

	rdb := o.rdb
	if rdb == nil && cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}
	cache := rag.NewRoutingCache(rag.RoutingCacheConfig{
		TTL:      cfg.RoutingCache.TTL,
		Capacity: cfg.RoutingCache.Capacity,
	}, rdb, logger)

	eng := &Engine{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "engine")),
		facts:     facts,
		breaker:   breaker,
		cache:     cache,
		collector: collector,
	}

	counter := rag.NewTiktokenCounter(cfg.Retrieval.TokenEncoding, logger)
	eng.orchestrator = rag.NewOrchestrator(rag.OrchestratorConfig{
		TopK:               cfg.Retrieval.TopK,
		ContextTokenBudget: cfg.Retrieval.ContextTokenBudget,
	}, graphHandle{eng}, facts, breaker, expander, counter, collector, logger)

	return eng, nil
}

// graphHandle adapts the engine's atomically swapped graph pointer to the
// orchestrator's GraphSearcher interface. A nil snapshot surfaces as
// rag.ErrGraphNotBuilt from Search.
type graphHandle struct {
	eng *Engine
}

func (h graphHandle) Search(query, relationFilter string) ([]rag.GraphResult, error) {
	return h.eng.graph.Load().Search(query, relationFilter)
}

// RebuildGraph builds a fresh entity graph from the taxonomy and atomically
// replaces the previous one.
func (e *Engine) RebuildGraph(taxonomy []rag.TaxonomyEntry) {
	builder := rag.NewGraphBuilder(e.logger)
	builder.AddTaxonomy(taxonomy)
	idx := builder.Freeze()
	e.graph.Store(idx)

	nodes, edges := idx.Stats()
	e.collector.SetIndexSize("graph_nodes", nodes)
	e.collector.SetIndexSize("graph_edges", edges)
	e.logger.Info("entity graph replaced",
		zap.Int("nodes", nodes),
		zap.Int("edges", edges))
}

// Graph returns the current graph snapshot (nil before the first rebuild).
func (e *Engine) Graph() *rag.EntityGraphIndex {
	return e.graph.Load()
}

// Facts exposes the hybrid fact index for callers that want raw results.
func (e *Engine) Facts() *rag.HybridFactIndex {
	return e.facts
}

// UpsertChunks indexes corpus chunks into both retrieval legs.
func (e *Engine) UpsertChunks(ctx context.Context, chunks []rag.DocumentChunk) error {
	if err := e.facts.Upsert(ctx, chunks); err != nil {
		return err
	}
	e.collector.SetIndexSize("facts", e.facts.Size())
	return nil
}

// Execute runs one retrieval orchestration: circuit-breaker guard, tool
// dispatch, deep-search expansion and grounding-context formatting.
func (e *Engine) Execute(ctx context.Context, query string, decision rag.RoutingDecision) (rag.GroundingContext, error) {
	return e.orchestrator.Execute(ctx, query, decision)
}

// CachedDecision looks up a memoized routing decision for the query.
func (e *Engine) CachedDecision(ctx context.Context, query string) (rag.RoutingDecision, bool) {
	decision, ok := e.cache.Get(ctx, query)
	if ok {
		e.collector.RecordCacheHit("routing")
	} else {
		e.collector.RecordCacheMiss("routing")
	}
	return decision, ok
}

// RememberDecision memoizes a routing decision. Decisions with an empty
// tool are never cached.
func (e *Engine) RememberDecision(ctx context.Context, query string, decision rag.RoutingDecision) {
	e.cache.Set(ctx, query, decision)
}

// Breaker exposes the circuit breaker registry (manual resets, state probes).
func (e *Engine) Breaker() *circuitbreaker.Registry {
	return e.breaker
}

// NewLogger builds a zap logger from the log configuration.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}
	return zc.Build()
}
