package model

// ChatSource 请求来源标签
type ChatSource string

const (
	SourcePlayground ChatSource = "playground" // 控制台调试
	SourceAPI        ChatSource = "api"        // 开放 API
	SourceWebhook    ChatSource = "webhook"    // 渠道回调
)

// String 返回来源的字符串表示
func (s ChatSource) String() string {
	return string(s)
}

// ChatRequest 对话处理请求
// 构造后不可变，编排器不会修改其中的字段
type ChatRequest struct {
	BotID          string         `json:"bot_id" binding:"required"`
	Message        string         `json:"message" binding:"required"`
	ConversationID string         `json:"conversation_id,omitempty"` // 为空时自动创建对话
	Model          string         `json:"model,omitempty"`           // 覆盖机器人默认模型
	UserID         string         `json:"user_id,omitempty"`         // 终端用户标识（渠道侧）
	Source         ChatSource     `json:"source,omitempty"`
	WebhookPayload map[string]any `json:"webhook_payload,omitempty"` // 渠道原始载荷，透传给工具执行上下文
}

// ChatResponse 对话处理响应（阻塞模式）
type ChatResponse struct {
	Message             string           `json:"message"`
	ConversationID      string           `json:"conversation_id,omitempty"`
	Usage               *TokenUsage      `json:"usage,omitempty"`
	ToolCalls           []ToolCallRecord `json:"tool_calls,omitempty"`
	HasKnowledgeContext bool             `json:"has_knowledge_context"`
	ProcessingTimeMs    int64            `json:"processing_time_ms"`
}

// ChatChunk 流式对话片段
// Done 为 true 时携带 Usage 与对话 ID，内容字段为空
type ChatChunk struct {
	Content        string      `json:"content,omitempty"`
	Done           bool        `json:"done,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Usage          *TokenUsage `json:"usage,omitempty"`
}

// TokenUsage Token 使用统计
type TokenUsage struct {
	PromptTokens     int `bson:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int `bson:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int `bson:"total_tokens" json:"total_tokens"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}
