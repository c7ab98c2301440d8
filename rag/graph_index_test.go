package rag

import (
	"testing"

	"go.uber.org/zap"
)

func buildTestGraph(t *testing.T) *EntityGraphIndex {
	t.Helper()
	b := NewGraphBuilder(zap.NewNop())
	b.AddTaxonomy([]TaxonomyEntry{
		{
			Category: "演唱会",
			Subtopics: []any{
				"2020年3月: X演唱会",
				"2018年: 初次全息演唱会",
			},
		},
		{
			Category: "歌曲",
			Subtopics: []any{
				"勾指起誓",
				"普通DISCO",
				map[string]any{"year": 2019}, // 未识别形状，应被跳过
			},
		},
	})
	b.AddNode(&GraphNode{ID: "ilem", Kind: KindPerson, Label: "ilem"})
	b.AddEdge("勾指起誓", "ilem", "produced_by")
	return b.Freeze()
}

func TestGraphBuilder_Taxonomy(t *testing.T) {
	g := buildTestGraph(t)

	nodes, edges := g.Stats()
	if nodes == 0 || edges == 0 {
		t.Fatalf("expected non-empty graph, got %d nodes %d edges", nodes, edges)
	}

	if _, ok := g.Node("Category:演唱会"); !ok {
		t.Error("expected category node to exist")
	}
	if _, ok := g.Node("勾指起誓"); !ok {
		t.Error("expected topic node to exist")
	}
	// "2020年" 触发年份联结
	if _, ok := g.Node("Year:2020"); !ok {
		t.Error("expected year node to be derived from label")
	}
}

func TestGraphSearch_DirectMatchPrecedence(t *testing.T) {
	g := buildTestGraph(t)

	// 关键词模糊查询应直接命中时间线节点，而不是绕道年份节点的邻居
	results, err := g.Search("2020 X", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected direct match results")
	}
	if results[0].Kind != MatchDirect {
		t.Errorf("expected DirectMatch, got %s", results[0].Kind)
	}
	if results[0].Result != "2020年3月: X演唱会" {
		t.Errorf("unexpected match: %s", results[0].Result)
	}
	if results[0].Category != "演唱会" {
		t.Errorf("expected category annotation, got %q", results[0].Category)
	}
}

func TestGraphSearch_ExactNodeNeighbors(t *testing.T) {
	g := buildTestGraph(t)

	results, err := g.Search("勾指起誓", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected neighbor results")
	}

	found := false
	for _, r := range results {
		if r.Kind != MatchNeighbor {
			t.Errorf("expected Neighbor kind, got %s", r.Kind)
		}
		if r.Target == "ilem" && r.Relation == "produced_by" {
			found = true
		}
	}
	if !found {
		t.Error("expected ilem in neighbor set with produced_by relation")
	}
}

func TestGraphSearch_RelationFilterFallback(t *testing.T) {
	g := buildTestGraph(t)

	// 匹配的过滤器只留下对应关系
	results, err := g.Search("勾指起誓", "produced_by")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Target != "ilem" {
		t.Fatalf("expected single produced_by neighbor, got %+v", results)
	}

	// 过滤到一个不剩时回退到全量邻居
	results, err = g.Search("勾指起誓", "no_such_relation")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected fallback to unfiltered neighbors")
	}
}

func TestGraphSearch_NotFound(t *testing.T) {
	g := buildTestGraph(t)

	results, err := g.Search("不存在的实体XYZ", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected empty result, got %d", len(results))
	}
}

func TestGraphSearch_NilGraph(t *testing.T) {
	var g *EntityGraphIndex
	if _, err := g.Search("任意查询", ""); err != ErrGraphNotBuilt {
		t.Errorf("expected ErrGraphNotBuilt, got %v", err)
	}
}

func TestGraphSearch_DirectMatchCap(t *testing.T) {
	b := NewGraphBuilder(nil)
	subs := make([]any, 0, 20)
	for i := 0; i < 20; i++ {
		subs = append(subs, "共通前缀条目"+string(rune('A'+i)))
	}
	b.AddTaxonomy([]TaxonomyEntry{{Category: "测试", Subtopics: subs}})
	g := b.Freeze()

	results, err := g.Search("共通前缀", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != maxDirectMatches {
		t.Errorf("expected cap at %d, got %d", maxDirectMatches, len(results))
	}
}

func TestGraphSearch_Deterministic(t *testing.T) {
	g := buildTestGraph(t)

	first, _ := g.Search("演唱会", "")
	second, _ := g.Search("演唱会", "")
	if len(first) != len(second) {
		t.Fatal("result lengths differ between calls")
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("result %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}
