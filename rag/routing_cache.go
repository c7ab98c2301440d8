package rag

import (
	"container/list"
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RoutingCacheConfig 路由缓存配置
type RoutingCacheConfig struct {
	// TTL 单条决定的存活时间
	TTL time.Duration `json:"ttl" yaml:"ttl"`
	// Capacity 内存层容量，超出时按最后写入时间 LRU 淘汰
	Capacity int `json:"capacity" yaml:"capacity"`
}

// DefaultRoutingCacheConfig 返回默认配置。
func DefaultRoutingCacheConfig() RoutingCacheConfig {
	return RoutingCacheConfig{
		TTL:      5 * time.Minute,
		Capacity: 100,
	}
}

// redisKeyPrefix Redis 二级缓存的键前缀
const redisKeyPrefix = "route:cache:"

// routingEntry 内存层的一条缓存记录
type routingEntry struct {
	key       string
	decision  RoutingDecision
	writtenAt time.Time
}

// RoutingCache 记忆 "查询 → 工具选择" 的路由决定，避免对重复或
// 近似重复的查询反复调用外部意图分类器。
//
// 两级结构：进程内 LRU 为一级，可选的 Redis 为二级（多实例共享）。
// 淘汰按最后写入时间而非最后读取时间：路由决定会随语料演化过期，
// 读取续命会让陈旧决定滞留。
type RoutingCache struct {
	config RoutingCacheConfig
	logger *zap.Logger

	// 内存层：map + 按写入序的链表（队首最旧）。
	// mu 只覆盖内存层变更，Redis 调用一律在锁外。
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List

	rdb redis.UniversalClient

	// 测试注入
	now       func() time.Time
	sweepRoll func() int
}

// NewRoutingCache 创建路由缓存。rdb 可为 nil（仅内存层）。
func NewRoutingCache(config RoutingCacheConfig, rdb redis.UniversalClient, logger *zap.Logger) *RoutingCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	if config.Capacity <= 0 {
		config.Capacity = 100
	}
	return &RoutingCache{
		config:    config,
		logger:    logger.With(zap.String("component", "routing_cache")),
		entries:   make(map[string]*list.Element),
		order:     list.New(),
		rdb:       rdb,
		now:       time.Now,
		sweepRoll: func() int { return rand.Intn(10) },
	}
}

// normalizeQuery 折叠同一意图的标点与空白变体：
// 剔除所有非字母数字字符后转小写。
func normalizeQuery(query string) string {
	var sb strings.Builder
	for _, r := range query {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			sb.WriteRune(r)
		}
	}
	return strings.ToLower(sb.String())
}

// Get 查询缓存。读取不会提升条目的淘汰顺位。
// 内存层未命中时回查 Redis 二级缓存（若配置）并回填。
func (c *RoutingCache) Get(ctx context.Context, query string) (RoutingDecision, bool) {
	key := normalizeQuery(query)
	if key == "" {
		return RoutingDecision{}, false
	}

	c.mu.Lock()
	c.maybeSweepLocked()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*routingEntry)
		if c.now().Sub(entry.writtenAt) < c.config.TTL {
			decision := entry.decision
			c.mu.Unlock()
			c.logger.Debug("routing cache hit", zap.String("key", key))
			return decision, true
		}
		c.removeElement(elem)
	}
	c.mu.Unlock()

	if c.rdb == nil {
		return RoutingDecision{}, false
	}
	payload, err := c.rdb.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis lookup failed", zap.Error(err))
		}
		return RoutingDecision{}, false
	}
	var decision RoutingDecision
	if err := json.Unmarshal(payload, &decision); err != nil {
		c.logger.Warn("corrupt redis cache entry dropped", zap.String("key", key))
		return RoutingDecision{}, false
	}
	c.store(key, decision)
	c.logger.Debug("routing cache hit from redis", zap.String("key", key))
	return decision, true
}

// Set 写入路由决定。Tool 为空的决定（无需工具）不缓存：
// 重判 "无需工具" 代价可忽略，缓存它反而可能压掉后续相似但
// 实质不同的追问的工具调用。
func (c *RoutingCache) Set(ctx context.Context, query string, decision RoutingDecision) {
	if decision.Tool == "" {
		return
	}
	key := normalizeQuery(query)
	if key == "" {
		return
	}

	c.store(key, decision)

	if c.rdb != nil {
		payload, err := json.Marshal(decision)
		if err != nil {
			return
		}
		if err := c.rdb.Set(ctx, redisKeyPrefix+key, payload, c.config.TTL).Err(); err != nil {
			c.logger.Warn("redis write failed", zap.Error(err))
		}
	}
}

// Len 返回内存层条目数。
func (c *RoutingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// store 写入内存层并在超容时淘汰最旧写入。
func (c *RoutingCache) store(key string, decision RoutingDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*routingEntry)
		entry.decision = decision
		entry.writtenAt = c.now()
		c.order.MoveToBack(elem)
		return
	}

	for c.order.Len() >= c.config.Capacity {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.logger.Debug("evicting oldest routing entry",
			zap.String("key", oldest.Value.(*routingEntry).key))
		c.removeElement(oldest)
	}

	entry := &routingEntry{key: key, decision: decision, writtenAt: c.now()}
	c.entries[key] = c.order.PushBack(entry)
}

// maybeSweepLocked 占用过半时以约 1/10 概率顺带清理过期条目，
// 不依赖后台线程即可约束内存。调用方须持有 mu。
func (c *RoutingCache) maybeSweepLocked() {
	if c.order.Len() <= c.config.Capacity/2 {
		return
	}
	if c.sweepRoll() != 0 {
		return
	}
	c.sweepExpiredLocked()
}

// sweepExpiredLocked 移除全部过期条目。调用方须持有 mu。
func (c *RoutingCache) sweepExpiredLocked() {
	now := c.now()
	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if now.Sub(elem.Value.(*routingEntry).writtenAt) >= c.config.TTL {
			c.removeElement(elem)
			removed++
		}
		elem = next
	}
	if removed > 0 {
		c.logger.Debug("swept expired routing entries", zap.Int("removed", removed))
	}
}

func (c *RoutingCache) removeElement(elem *list.Element) {
	delete(c.entries, elem.Value.(*routingEntry).key)
	c.order.Remove(elem)
}
