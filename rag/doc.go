// Copyright 2025-2026 Resonance Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

Package rag 提供落地检索核心：把一个简短、经常含混的用户查询变成
一组有界、去重、容错的落地事实，供下游对话层引用。

# 核心接口/类型

  - EntityGraphIndex — 实体图索引（构建-冻结，精确/模糊查找 + 邻居展开）
  - HybridFactIndex — 混合事实索引（BM25 + 向量检索，RRF 融合）
  - DeepSearchExpander — 有界多跳扩展（深度/扇出/访问集合三重约束）
  - RoutingCache — 路由决定缓存（内存 LRU + 可选 Redis 二级）
  - Orchestrator — 检索编排入口（熔断守卫 → 分发 → 深搜 → 格式化）
  - Embedder / TokenCounter — 外部嵌入与 token 计数接口

# 主要能力

  - 图检索：节点直接命中优先于邻居展开，时间线节点本身即事实
  - 混合检索：词法与语义两路并发，倒数排名融合，单路失败优雅降级
  - 深搜扩展：从首轮结果抽取关联实体二次回查，环路与深度双重保护
  - 落地格式化：显式区分 "有数据 / 无数据 / 兜底数据"，严禁下游编造
  - 预算裁剪：tiktoken 计数 + CJK 感知估算兜底，上下文不超 token 预算
*/
package rag
