package rag

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newClockedCache(capacity int) (*RoutingCache, *time.Time) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	c := NewRoutingCache(RoutingCacheConfig{TTL: 5 * time.Minute, Capacity: capacity}, nil, zap.NewNop())
	c.now = func() time.Time { return now }
	return c, &now
}

func TestRoutingCache_SetGet(t *testing.T) {
	c, _ := newClockedCache(100)
	ctx := context.Background()

	decision := RoutingDecision{Tool: ToolKnowledgeGraph, Args: map[string]string{"entity_name": "洛天依"}}
	c.Set(ctx, "打招呼", decision)

	got, ok := c.Get(ctx, "打招呼")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Tool != ToolKnowledgeGraph {
		t.Errorf("unexpected tool: %s", got.Tool)
	}
}

func TestRoutingCache_TTLExpiry(t *testing.T) {
	c, now := newClockedCache(100)
	ctx := context.Background()

	c.Set(ctx, "打招呼", RoutingDecision{Tool: ToolKnowledgeBase})
	if _, ok := c.Get(ctx, "打招呼"); !ok {
		t.Fatal("expected hit before expiry")
	}

	*now = now.Add(301 * time.Second)
	if _, ok := c.Get(ctx, "打招呼"); ok {
		t.Error("expected miss after TTL")
	}
}

func TestRoutingCache_Normalization(t *testing.T) {
	c, _ := newClockedCache(100)
	ctx := context.Background()

	c.Set(ctx, "勾指起誓 谁写的？", RoutingDecision{Tool: ToolKnowledgeGraph})

	// 标点与空白变体折叠到同一个键
	if _, ok := c.Get(ctx, "勾指起誓谁写的"); !ok {
		t.Error("expected punctuation variant to hit the same key")
	}
	if _, ok := c.Get(ctx, "勾指起誓，谁写的!!"); !ok {
		t.Error("expected another variant to hit the same key")
	}
}

func TestRoutingCache_NeverCachesEmptyTool(t *testing.T) {
	c, _ := newClockedCache(100)
	ctx := context.Background()

	c.Set(ctx, "随便聊聊", RoutingDecision{Tool: ""})
	if _, ok := c.Get(ctx, "随便聊聊"); ok {
		t.Error("no-tool decision must not be cached")
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d", c.Len())
	}
}

func TestRoutingCache_LRUByLastWrite(t *testing.T) {
	c, _ := newClockedCache(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Set(ctx, fmt.Sprintf("query%d", i), RoutingDecision{Tool: ToolKnowledgeBase})
	}

	// 读取不提升顺位：query0 仍是最旧写入
	c.Get(ctx, "query0")
	c.Set(ctx, "query3", RoutingDecision{Tool: ToolKnowledgeBase})

	if _, ok := c.Get(ctx, "query0"); ok {
		t.Error("expected oldest write to be evicted despite recent read")
	}
	if _, ok := c.Get(ctx, "query1"); !ok {
		t.Error("expected query1 to survive")
	}

	// 覆盖写提升顺位
	c.Set(ctx, "query1", RoutingDecision{Tool: ToolKnowledgeGraph})
	c.Set(ctx, "query4", RoutingDecision{Tool: ToolKnowledgeBase})
	if _, ok := c.Get(ctx, "query1"); !ok {
		t.Error("rewritten entry must not be evicted first")
	}
}

func TestRoutingCache_SweepRemovesExpired(t *testing.T) {
	c, now := newClockedCache(4)
	ctx := context.Background()

	c.Set(ctx, "old1", RoutingDecision{Tool: ToolKnowledgeBase})
	c.Set(ctx, "old2", RoutingDecision{Tool: ToolKnowledgeBase})
	*now = now.Add(301 * time.Second)
	c.Set(ctx, "fresh", RoutingDecision{Tool: ToolKnowledgeBase})

	c.mu.Lock()
	c.sweepExpiredLocked()
	c.mu.Unlock()

	if c.Len() != 1 {
		t.Errorf("expected only fresh entry after sweep, got %d", c.Len())
	}
	if _, ok := c.Get(ctx, "fresh"); !ok {
		t.Error("expected fresh entry to survive sweep")
	}
}

func TestRoutingCache_RedisSecondLevel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	writer := NewRoutingCache(DefaultRoutingCacheConfig(), rdb, zap.NewNop())
	writer.Set(ctx, "勾指起誓谁写的", RoutingDecision{
		Tool: ToolKnowledgeGraph,
		Args: map[string]string{"entity_name": "勾指起誓"},
	})

	if !mr.Exists(redisKeyPrefix + "勾指起誓谁写的") {
		t.Fatal("expected decision in redis under prefixed key")
	}

	// 另一个实例（内存层为空）从 Redis 命中并回填
	reader := NewRoutingCache(DefaultRoutingCacheConfig(), rdb, zap.NewNop())
	got, ok := reader.Get(ctx, "勾指起誓谁写的")
	if !ok {
		t.Fatal("expected second-level hit")
	}
	if got.Args["entity_name"] != "勾指起誓" {
		t.Errorf("unexpected decision payload: %+v", got)
	}
	if reader.Len() != 1 {
		t.Error("expected redis hit to backfill memory level")
	}
}
