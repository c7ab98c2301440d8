// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector 检索核心指标收集器。
// 方法对 nil 接收者安全，未接入监控的调用方可直接传 nil。
type Collector struct {
	// 工具调用指标
	toolCallsTotal   *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 熔断指标
	breakerTransitions *prometheus.CounterVec

	// 深搜指标
	deepSearchLookups *prometheus.CounterVec

	// 索引规模
	indexSize *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。
// registerer 由调用方提供（测试中传独立 Registry 避免重复注册冲突）。
func NewCollector(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(registerer)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.toolCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of retrieval tool invocations",
		},
		[]string{"tool", "outcome"},
	)

	c.toolCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Retrieval tool invocation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"tool", "to"},
	)

	c.deepSearchLookups = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deep_search_lookups_total",
			Help:      "Total number of deep search related-entity lookups",
		},
		[]string{"outcome"},
	)

	c.indexSize = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_size",
			Help:      "Number of entries in each retrieval index",
		},
		[]string{"index"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordToolCall 记录一次工具调用。
func (c *Collector) RecordToolCall(tool, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
	c.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordCacheHit 记录缓存命中。
func (c *Collector) RecordCacheHit(cache string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss 记录缓存未命中。
func (c *Collector) RecordCacheMiss(cache string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordBreakerTransition 记录熔断器状态变更。
func (c *Collector) RecordBreakerTransition(tool, to string) {
	if c == nil {
		return
	}
	c.breakerTransitions.WithLabelValues(tool, to).Inc()
}

// RecordDeepSearchLookup 记录一次深搜关联查询。
func (c *Collector) RecordDeepSearchLookup(outcome string) {
	if c == nil {
		return
	}
	c.deepSearchLookups.WithLabelValues(outcome).Inc()
}

// SetIndexSize 上报索引规模。
func (c *Collector) SetIndexSize(index string, size int) {
	if c == nil {
		return
	}
	c.indexSize.WithLabelValues(index).Set(float64(size))
}
