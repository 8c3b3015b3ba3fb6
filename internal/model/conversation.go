package model

import (
	"time"
)

// ConversationStatus 对话状态
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"    // 进行中
	ConversationCompleted ConversationStatus = "completed" // 静默期满
	ConversationFailed    ConversationStatus = "failed"    // 最近一轮生成失败
)

// String 返回状态的字符串表示
func (s ConversationStatus) String() string {
	return string(s)
}

// Conversation 对话实体
// ID使用UUID格式（string），避免ObjectID转换的麻烦
// Paused 与 Status 正交：暂停仅抑制机器人自动回复，不改变对话状态
type Conversation struct {
	ID        string             `bson:"_id,omitempty" json:"id"`
	BotID     string             `bson:"bot_id" json:"bot_id"`
	OrgID     string             `bson:"org_id" json:"org_id"`
	UserID    string             `bson:"user_id,omitempty" json:"user_id,omitempty"` // 终端用户标识
	Source    ChatSource         `bson:"source" json:"source"`
	Title     string             `bson:"title,omitempty" json:"title,omitempty"`
	Model     string             `bson:"model,omitempty" json:"model,omitempty"`
	Status    ConversationStatus `bson:"status" json:"status"`
	Paused    bool               `bson:"paused" json:"paused"`
	Messages  []Message          `bson:"messages" json:"messages"`
	Metadata  map[string]any     `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at" json:"updated_at"`
}

// Message 消息
// 角色: user / assistant / tool
type Message struct {
	Role             string            `bson:"role" json:"role"`
	Content          string            `bson:"content" json:"content"`
	Timestamp        time.Time         `bson:"timestamp" json:"timestamp"`
	TokenUsage       *TokenUsage       `bson:"token_usage,omitempty" json:"token_usage,omitempty"`
	ToolCalls        []ToolCallRecord  `bson:"tool_calls,omitempty" json:"tool_calls,omitempty"`
	Knowledge        *KnowledgeSummary `bson:"knowledge,omitempty" json:"knowledge,omitempty"`
	ProcessingTimeMs int64             `bson:"processing_time_ms,omitempty" json:"processing_time_ms,omitempty"`
}

// ToolCallRecord 工具调用记录（逐步追踪，随助手消息持久化）
type ToolCallRecord struct {
	Key       string `bson:"key" json:"key"` // 暴露给模型的工具名
	ToolID    string `bson:"tool_id" json:"tool_id"`
	Function  string `bson:"function" json:"function"`
	Arguments string `bson:"arguments" json:"arguments"` // 原始 JSON 参数
	Result    string `bson:"result" json:"result"`
	OK        bool   `bson:"ok" json:"ok"`
	Error     string `bson:"error,omitempty" json:"error,omitempty"`
}

// KnowledgeSummary 知识上下文摘要（审计用，生成后不再修改）
type KnowledgeSummary struct {
	HasContext bool              `bson:"has_context" json:"has_context"`
	Documents  []KnowledgeDocRef `bson:"documents,omitempty" json:"documents,omitempty"`
}

// KnowledgeDocRef 被引用的知识文档
type KnowledgeDocRef struct {
	DocumentID string  `bson:"document_id" json:"document_id"`
	Title      string  `bson:"title" json:"title"`
	Source     string  `bson:"source,omitempty" json:"source,omitempty"`
	Score      float64 `bson:"score" json:"score"`
}
