package model

import (
	"time"
)

// Bot 机器人实体
// 每个机器人归属一个组织（租户），携带系统提示词、默认模型与启用的工具
type Bot struct {
	ID             string    `bson:"_id,omitempty" json:"id"`
	OrgID          string    `bson:"org_id" json:"org_id"`
	OwnerID        string    `bson:"owner_id,omitempty" json:"owner_id,omitempty"`
	Name           string    `bson:"name" json:"name"`
	SystemPrompt   string    `bson:"system_prompt" json:"system_prompt"`
	Model          string    `bson:"model" json:"model"` // 默认模型
	EnabledTools   []string  `bson:"enabled_tools,omitempty" json:"enabled_tools,omitempty"`
	KnowledgeBases []string  `bson:"knowledge_bases,omitempty" json:"knowledge_bases,omitempty"`
	Paused         bool      `bson:"paused" json:"paused"` // 暂停自动回复
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at" json:"updated_at"`
}

// HasKnowledge 机器人是否配置了知识库
func (b *Bot) HasKnowledge() bool {
	return len(b.KnowledgeBases) > 0
}
