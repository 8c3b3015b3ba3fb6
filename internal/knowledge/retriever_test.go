package knowledge

import (
	"context"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"yuzu/internal/model"
)

type memDocStore struct {
	docs      []*model.Document
	scores    []float64
	err       error
	lastQuery string
}

func (m *memDocStore) Search(ctx context.Context, kbs []string, query string, topK int) ([]*model.Document, []float64, error) {
	m.lastQuery = query
	if m.err != nil {
		return nil, nil, m.err
	}
	return m.docs, m.scores, nil
}

func TestRetrieverRetrieve(t *testing.T) {
	ctx := context.Background()

	Convey("知识检索", t, func() {
		store := &memDocStore{}
		r := NewRetriever(store)

		Convey("命中文档时返回带评分的上下文", func() {
			store.docs = []*model.Document{
				{ID: "doc-1", Title: "退货政策", Source: "faq.md", Content: "七天无理由退货"},
				{ID: "doc-2", Title: "运费说明", Source: "faq.md", Content: "满99包邮"},
			}
			store.scores = []float64{1.8, 0.9}

			kctx := r.Retrieve(ctx, []string{"kb-1"}, "怎么退货", 5)

			So(kctx.HasContext, ShouldBeTrue)
			So(len(kctx.Snippets), ShouldEqual, 2)
			So(kctx.Snippets[0].DocumentID, ShouldEqual, "doc-1")
			So(kctx.Snippets[0].Score, ShouldEqual, 1.8)
		})

		Convey("无知识库配置时直接返回空上下文", func() {
			kctx := r.Retrieve(ctx, nil, "怎么退货", 5)
			So(kctx.HasContext, ShouldBeFalse)
			So(store.lastQuery, ShouldBeEmpty)
		})

		Convey("查询为空白时返回空上下文", func() {
			kctx := r.Retrieve(ctx, []string{"kb-1"}, "   ", 5)
			So(kctx.HasContext, ShouldBeFalse)
		})

		Convey("检索出错时降级为空上下文而不是失败", func() {
			store.err = errors.New("index offline")
			kctx := r.Retrieve(ctx, []string{"kb-1"}, "怎么退货", 5)
			So(kctx.HasContext, ShouldBeFalse)
			So(kctx.Snippets, ShouldBeEmpty)
		})

		Convey("无命中时返回空上下文", func() {
			store.docs = nil
			kctx := r.Retrieve(ctx, []string{"kb-1"}, "不存在的主题", 5)
			So(kctx.HasContext, ShouldBeFalse)
		})
	})
}

func TestContextPromptBlock(t *testing.T) {
	Convey("知识上下文的提示词块", t, func() {
		Convey("空上下文渲染为空字符串", func() {
			So(Empty().PromptBlock(), ShouldBeEmpty)
		})

		Convey("片段按序号列出", func() {
			kctx := &Context{
				HasContext: true,
				Snippets: []Snippet{
					{Title: "退货政策", Content: "七天无理由退货"},
					{Title: "运费说明", Content: "满99包邮"},
				},
			}
			block := kctx.PromptBlock()
			So(block, ShouldContainSubstring, "[1] 退货政策")
			So(block, ShouldContainSubstring, "[2] 运费说明")
			So(block, ShouldContainSubstring, "七天无理由退货")
		})
	})
}

func TestContextSummary(t *testing.T) {
	Convey("知识上下文摘要", t, func() {
		Convey("摘要保留文档引用但不含内容", func() {
			kctx := &Context{
				HasContext: true,
				Snippets: []Snippet{
					{DocumentID: "doc-1", Title: "退货政策", Source: "faq.md", Score: 1.8, Content: "七天无理由退货"},
				},
			}
			summary := kctx.Summary()
			So(summary.HasContext, ShouldBeTrue)
			So(len(summary.Documents), ShouldEqual, 1)
			So(summary.Documents[0].DocumentID, ShouldEqual, "doc-1")
			So(summary.Documents[0].Score, ShouldEqual, 1.8)
		})

		Convey("空上下文的摘要标记无检索", func() {
			So(Empty().Summary().HasContext, ShouldBeFalse)
		})
	})
}
