package rag

import (
	"testing"

	"go.uber.org/zap"
)

func newTestLexicalIndex() *LexicalIndex {
	x := NewLexicalIndex(0, 0, zap.NewNop())
	x.Upsert(DocumentChunk{ID: "c1", Text: "《勾指起誓》由 ilem 创作", Topic: "勾指起誓", Source: "encyclopedia"})
	x.Upsert(DocumentChunk{ID: "c2", Text: "普通DISCO 是一首电子风格歌曲", Topic: "普通DISCO", Source: "encyclopedia"})
	x.Upsert(DocumentChunk{ID: "c3", Text: "2018年举办了初次全息演唱会", Topic: "演唱会", Source: "encyclopedia", Category: "演出"})
	return x
}

func TestLexicalIndex_Defaults(t *testing.T) {
	x := NewLexicalIndex(0, 0, nil)
	if x.k1 != 1.5 || x.b != 0.75 {
		t.Errorf("expected default k1=1.5 b=0.75, got %v %v", x.k1, x.b)
	}
}

func TestLexicalSearch_RelevanceOrdering(t *testing.T) {
	x := newTestLexicalIndex()

	results := x.Search("勾指起誓", nil, 10)
	if len(results) == 0 {
		t.Fatal("expected hits")
	}
	if results[0].Chunk.ID != "c1" {
		t.Errorf("expected c1 first, got %s", results[0].Chunk.ID)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Error("results not sorted by score descending")
		}
	}
}

func TestLexicalSearch_NoHit(t *testing.T) {
	x := newTestLexicalIndex()
	if results := x.Search("毫不相关的查询词汇组合", nil, 10); len(results) != 0 {
		// CJK 二元组可能偶然重叠，只要求零分文档不出现
		for _, r := range results {
			if r.Score <= 0 {
				t.Error("zero-score chunk leaked into results")
			}
		}
	}
}

func TestLexicalSearch_Filters(t *testing.T) {
	x := newTestLexicalIndex()

	results := x.Search("演唱会", map[string]string{"category": "演出"}, 10)
	for _, r := range results {
		if r.Chunk.Category != "演出" {
			t.Errorf("filter leaked chunk %s", r.Chunk.ID)
		}
	}

	if results := x.Search("演唱会", map[string]string{"category": "不存在"}, 10); len(results) != 0 {
		t.Errorf("expected empty after filter, got %d", len(results))
	}
}

func TestLexicalIndex_UpsertOverwrite(t *testing.T) {
	x := newTestLexicalIndex()
	before := x.Size()

	// 覆盖写同一 ID 不增加文档数，旧词频统计被替换
	x.Upsert(DocumentChunk{ID: "c1", Text: "完全不同的新文本内容", Source: "encyclopedia"})
	if x.Size() != before {
		t.Errorf("overwrite changed size: %d -> %d", before, x.Size())
	}

	if results := x.Search("勾指起誓", nil, 10); len(results) > 0 && results[0].Chunk.ID == "c1" {
		t.Error("stale terms still rank c1 first after overwrite")
	}
}

func TestLexicalSearch_Empty(t *testing.T) {
	x := NewLexicalIndex(0, 0, nil)
	if results := x.Search("任意查询", nil, 5); results != nil {
		t.Errorf("expected nil on empty index, got %v", results)
	}
}
