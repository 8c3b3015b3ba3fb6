package knowledge

import (
	"context"
	"strings"

	"github.com/go-ego/gse"
	"github.com/rs/zerolog/log"

	"yuzu/internal/model"
)

// DocumentStore 知识文档检索能力
type DocumentStore interface {
	Search(ctx context.Context, knowledgeBases []string, query string, topK int) ([]*model.Document, []float64, error)
}

// Retriever 知识检索器
// 对用户消息做分词后走文本检索；任何失败都降级为空上下文，对话必须能继续
type Retriever struct {
	store     DocumentStore
	segmenter *gse.Segmenter
}

// NewRetriever 创建知识检索器
func NewRetriever(store DocumentStore) *Retriever {
	// 初始化 gse 分词器，失败时降级为原文检索
	var segmenter *gse.Segmenter
	seg, err := gse.New()
	if err != nil {
		log.Warn().Err(err).Msg("gse segmenter init failed, falling back to raw query")
	} else {
		segmenter = &seg
	}

	return &Retriever{
		store:     store,
		segmenter: segmenter,
	}
}

// Retrieve 检索与用户消息最相关的知识片段
// 返回至多 topK 条；检索失败返回空上下文而不是错误
func (r *Retriever) Retrieve(ctx context.Context, knowledgeBases []string, query string, topK int) *Context {
	if len(knowledgeBases) == 0 || strings.TrimSpace(query) == "" || topK <= 0 {
		return Empty()
	}

	docs, scores, err := r.store.Search(ctx, knowledgeBases, r.keywords(query), topK)
	if err != nil {
		log.Warn().Err(err).Msg("knowledge retrieval failed, continuing without context")
		return Empty()
	}
	if len(docs) == 0 {
		return Empty()
	}

	kc := &Context{HasContext: true}
	for i, doc := range docs {
		var score float64
		if i < len(scores) {
			score = scores[i]
		}
		kc.Snippets = append(kc.Snippets, Snippet{
			DocumentID: doc.ID,
			Title:      doc.Title,
			Source:     doc.Source,
			Score:      score,
			Content:    doc.Content,
		})
	}
	return kc
}

// keywords 对查询做分词，中文场景下空格分隔的关键词对文本索引更友好
func (r *Retriever) keywords(query string) string {
	if r.segmenter == nil {
		return query
	}

	segments := r.segmenter.Cut(query, true)
	var words []string
	for _, s := range segments {
		s = strings.TrimSpace(s)
		if s != "" {
			words = append(words, s)
		}
	}
	if len(words) == 0 {
		return query
	}
	return strings.Join(words, " ")
}
