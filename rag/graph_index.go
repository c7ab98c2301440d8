package rag

import (
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// NodeKind 图节点类型
type NodeKind string

const (
	KindCategory NodeKind = "Category"
	KindTopic    NodeKind = "Topic"
	KindYear     NodeKind = "Year"
	KindEvent    NodeKind = "Event"
	KindSong     NodeKind = "Song"
	KindPerson   NodeKind = "Person"
	KindDate     NodeKind = "Date"
)

// GraphNode 知识图节点。构建期写入一次，冻结后只读。
type GraphNode struct {
	ID    string            `json:"id"`
	Kind  NodeKind          `json:"kind"`
	Label string            `json:"label"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// GraphEdge 有向边。同一对节点间允许多条不同 relation 的边（多重图）。
type GraphEdge struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

// TaxonomyEntry 分类树条目（外部数据生成管线产出）。
// Subtopics 通常是字符串；字典等更复杂的形状为将来的结构化
// 时间线条目预留，当前构建器跳过无法识别的形状。
type TaxonomyEntry struct {
	Category  string `json:"category"`
	Subtopics []any  `json:"subtopics"`
}

// RelationBelongsTo / RelationHappenedIn 分类树内置关系标签
const (
	RelationBelongsTo  = "belongs_to"
	RelationHappenedIn = "happened_in"
)

var yearPattern = regexp.MustCompile(`(20\d{2})年`)

// GraphBuilder 可变的图构建器。
// 构建完成后调用 Freeze 得到只读索引（构建-冻结模式），
// 查询路径无锁并发安全，重建时整体替换。
type GraphBuilder struct {
	nodes    map[string]*GraphNode
	edges    []GraphEdge
	outEdges map[string][]int // nodeID -> edge indexes
	inEdges  map[string][]int
	logger   *zap.Logger
}

// NewGraphBuilder 创建图构建器。
func NewGraphBuilder(logger *zap.Logger) *GraphBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphBuilder{
		nodes:    make(map[string]*GraphNode),
		outEdges: make(map[string][]int),
		inEdges:  make(map[string][]int),
		logger:   logger.With(zap.String("component", "graph_builder")),
	}
}

// AddNode 添加节点。已存在的 ID 保留首次写入的节点。
func (b *GraphBuilder) AddNode(node *GraphNode) {
	if node == nil || node.ID == "" {
		return
	}
	if node.Label == "" {
		node.Label = node.ID
	}
	if _, ok := b.nodes[node.ID]; ok {
		return
	}
	b.nodes[node.ID] = node
}

// AddEdge 添加有向边。
func (b *GraphBuilder) AddEdge(source, target, relation string) {
	idx := len(b.edges)
	b.edges = append(b.edges, GraphEdge{Source: source, Target: target, Relation: relation})
	b.outEdges[source] = append(b.outEdges[source], idx)
	b.inEdges[target] = append(b.inEdges[target], idx)
}

// AddTaxonomy 从分类树条目构建节点与边。
// 字符串子条目成为 Topic 节点并连接到分类节点；
// 标签中含 "20xx年" 的条目额外连接到年份节点。
func (b *GraphBuilder) AddTaxonomy(entries []TaxonomyEntry) {
	for _, entry := range entries {
		if entry.Category == "" {
			continue
		}
		catID := "Category:" + entry.Category
		b.AddNode(&GraphNode{ID: catID, Kind: KindCategory, Label: entry.Category})

		for _, sub := range entry.Subtopics {
			name, ok := sub.(string)
			if !ok {
				// 结构化条目的形状尚未定义，静默跳过
				b.logger.Debug("skipping unrecognized subtopic shape",
					zap.String("category", entry.Category))
				continue
			}
			if name == "" {
				continue
			}
			b.AddNode(&GraphNode{
				ID:    name,
				Kind:  KindTopic,
				Label: name,
				Attrs: map[string]string{"category": entry.Category},
			})
			b.AddEdge(name, catID, RelationBelongsTo)

			if m := yearPattern.FindStringSubmatch(name); m != nil {
				yearID := "Year:" + m[1]
				b.AddNode(&GraphNode{ID: yearID, Kind: KindYear, Label: m[1]})
				b.AddEdge(name, yearID, RelationHappenedIn)
			}
		}
	}
}

// Freeze 冻结为只读索引。构建器此后不应再被修改。
func (b *GraphBuilder) Freeze() *EntityGraphIndex {
	idx := &EntityGraphIndex{
		nodes:    b.nodes,
		edges:    b.edges,
		outEdges: b.outEdges,
		inEdges:  b.inEdges,
		logger:   b.logger.With(zap.String("component", "entity_graph")),
	}
	idx.logger.Info("entity graph frozen",
		zap.Int("nodes", len(b.nodes)),
		zap.Int("edges", len(b.edges)))
	return idx
}

// EntityGraphIndex 冻结后的实体图索引。所有方法可并发调用。
type EntityGraphIndex struct {
	nodes    map[string]*GraphNode
	edges    []GraphEdge
	outEdges map[string][]int
	inEdges  map[string][]int
	logger   *zap.Logger
}

// Node 按 ID 取节点。
func (g *EntityGraphIndex) Node(id string) (*GraphNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Stats 返回节点数与边数。
func (g *EntityGraphIndex) Stats() (nodes, edges int) {
	return len(g.nodes), len(g.edges)
}

// maxDirectMatches 直接命中的上限，防止上下文溢出
const maxDirectMatches = 10

// Search 将查询解析为零或多个图结果，按顺序尝试：
//  1. 精确节点 ID 命中 —— 返回其前驱与后继作为邻居结果，
//     关系标签优先取正向边，仅有反向边时取反向；
//  2. 空白分词后的关键词 AND 子串匹配 —— 全部关键词都出现在标签中的
//     节点作为直接命中返回（节点本身即事实，如时间线条目），
//     最多 maxDirectMatches 条；
//  3. 无命中返回空结果 —— 这是合法结果而非错误。
//
// relationFilter 仅作用于邻居路径；过滤后一个不剩时回退到全量邻居。
func (g *EntityGraphIndex) Search(query, relationFilter string) ([]GraphResult, error) {
	if g == nil {
		return nil, ErrGraphNotBuilt
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	// 精确节点直接走邻居展开；模糊查询走关键词 AND 匹配，
	// 命中的节点本身即事实（如时间线条目），作为直接结果返回。
	if _, exact := g.nodes[query]; exact {
		return g.neighbors(query, relationFilter), nil
	}
	if direct := g.directMatches(query); len(direct) > 0 {
		return direct, nil
	}
	g.logger.Debug("no graph node for query", zap.String("query", query))
	return nil, nil
}

// directMatches 收集标签包含全部关键词的节点。
func (g *EntityGraphIndex) directMatches(query string) []GraphResult {
	keywords := strings.Fields(query)
	if len(keywords) == 0 {
		return nil
	}

	var candidates []*GraphNode
	for _, node := range g.nodes {
		ok := true
		for _, kw := range keywords {
			if !strings.Contains(node.Label, kw) {
				ok = false
				break
			}
		}
		if ok {
			candidates = append(candidates, node)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// map 遍历无序，排序保证结果确定
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > maxDirectMatches {
		candidates = candidates[:maxDirectMatches]
	}

	results := make([]GraphResult, 0, len(candidates))
	for _, cand := range candidates {
		res := GraphResult{Kind: MatchDirect, Result: cand.Label, Context: "related"}
		for _, ei := range g.outEdges[cand.ID] {
			edge := g.edges[ei]
			res.Context = "is_" + edge.Relation + "_of_" + edge.Target
			if edge.Relation == RelationBelongsTo {
				res.Category = strings.TrimPrefix(edge.Target, "Category:")
			}
		}
		results = append(results, res)
	}
	return results
}

// neighbors 返回精确节点的前驱与后继。
func (g *EntityGraphIndex) neighbors(id, relationFilter string) []GraphResult {
	type hit struct {
		target   string
		relation string
	}
	seen := make(map[string]hit)

	for _, ei := range g.outEdges[id] {
		edge := g.edges[ei]
		// 正向边优先
		seen[edge.Target] = hit{target: edge.Target, relation: edge.Relation}
	}
	for _, ei := range g.inEdges[id] {
		edge := g.edges[ei]
		if _, ok := seen[edge.Source]; !ok {
			seen[edge.Source] = hit{target: edge.Source, relation: edge.Relation}
		}
	}

	build := func(filter string) []GraphResult {
		var out []GraphResult
		for _, h := range seen {
			if filter != "" && h.relation != filter {
				continue
			}
			out = append(out, GraphResult{
				Kind:     MatchNeighbor,
				Source:   id,
				Target:   h.target,
				Relation: h.relation,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
		return out
	}

	results := build(relationFilter)
	if len(results) == 0 && relationFilter != "" {
		// 分类器给出的 relation 常常只是提示，过滤一个不剩时放宽
		results = build("")
	}
	return results
}
