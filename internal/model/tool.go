package model

import (
	"time"
)

// ToolType 工具类型
type ToolType string

const (
	ToolTypeRegistry ToolType = "registry" // 平台内置工具
	ToolTypeCustom   ToolType = "custom"   // 租户自定义工具
)

// CustomTool 租户自定义工具配置
// 按请求从存储加载并合成为工具定义，用完即弃
type CustomTool struct {
	ID             string            `bson:"_id,omitempty" json:"id"`
	OrgID          string            `bson:"org_id" json:"org_id"`
	Type           ToolType          `bson:"type" json:"type"`
	FunctionName   string            `bson:"function_name" json:"function_name"`
	DisplayName    string            `bson:"display_name,omitempty" json:"display_name,omitempty"` // 租户配置的函数名，暴露给模型时优先使用
	Description    string            `bson:"description" json:"description"`
	Parameters     map[string]any    `bson:"parameters" json:"parameters"` // JSON Schema
	Endpoint       string            `bson:"endpoint" json:"endpoint"`     // 执行回调地址
	RequiredConfig []string          `bson:"required_config,omitempty" json:"required_config,omitempty"`
	Config         map[string]string `bson:"config,omitempty" json:"config,omitempty"`
	Enabled        bool              `bson:"enabled" json:"enabled"`
	CreatedAt      time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at" json:"updated_at"`
}

// Lead 线索记录（lead-capture 工具写入）
type Lead struct {
	ID             string    `bson:"_id,omitempty" json:"id"`
	OrgID          string    `bson:"org_id" json:"org_id"`
	BotID          string    `bson:"bot_id" json:"bot_id"`
	ConversationID string    `bson:"conversation_id,omitempty" json:"conversation_id,omitempty"`
	UserID         string    `bson:"user_id,omitempty" json:"user_id,omitempty"`
	Name           string    `bson:"name,omitempty" json:"name,omitempty"`
	Email          string    `bson:"email,omitempty" json:"email,omitempty"`
	Phone          string    `bson:"phone,omitempty" json:"phone,omitempty"`
	Note           string    `bson:"note,omitempty" json:"note,omitempty"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
}

// Booking 预约记录（calendar 工具写入）
type Booking struct {
	ID             string    `bson:"_id,omitempty" json:"id"`
	OrgID          string    `bson:"org_id" json:"org_id"`
	BotID          string    `bson:"bot_id" json:"bot_id"`
	ConversationID string    `bson:"conversation_id,omitempty" json:"conversation_id,omitempty"`
	Attendee       string    `bson:"attendee,omitempty" json:"attendee,omitempty"`
	Slot           time.Time `bson:"slot" json:"slot"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
}

// Document 知识文档（已切分的文本片段）
type Document struct {
	ID              string    `bson:"_id,omitempty" json:"id"`
	KnowledgeBaseID string    `bson:"knowledge_base_id" json:"knowledge_base_id"`
	Title           string    `bson:"title" json:"title"`
	Source          string    `bson:"source,omitempty" json:"source,omitempty"`
	Content         string    `bson:"content" json:"content"`
	CreatedAt       time.Time `bson:"created_at" json:"created_at"`
}
