// Package knowledge 知识上下文装配
package knowledge

import (
	"fmt"
	"strings"

	"yuzu/internal/model"
)

// Snippet 一条检索结果
type Snippet struct {
	DocumentID string
	Title      string
	Source     string
	Score      float64
	Content    string
}

// Context 知识上下文
// 创建后不再修改，随助手消息落库用于审计
type Context struct {
	Snippets   []Snippet
	HasContext bool
}

// Empty 空上下文（检索失败或无结果时使用）
func Empty() *Context {
	return &Context{}
}

// PromptBlock 格式化为注入系统提示词的参考资料块
func (c *Context) PromptBlock() string {
	if !c.HasContext {
		return ""
	}

	var b strings.Builder
	b.WriteString("参考资料（回答时优先依据以下内容）:\n")
	for i, s := range c.Snippets {
		b.WriteString(fmt.Sprintf("[%d] %s\n%s\n", i+1, s.Title, s.Content))
	}
	return b.String()
}

// Summary 转换为随消息持久化的摘要
func (c *Context) Summary() *model.KnowledgeSummary {
	summary := &model.KnowledgeSummary{HasContext: c.HasContext}
	for _, s := range c.Snippets {
		summary.Documents = append(summary.Documents, model.KnowledgeDocRef{
			DocumentID: s.DocumentID,
			Title:      s.Title,
			Source:     s.Source,
			Score:      s.Score,
		})
	}
	return summary
}
