package ai

import (
	"context"
	"fmt"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"yuzu/internal/ai/component"
	"yuzu/internal/config"
)

// Client AI 能力层客户端
// 职责: 封装 ChatModel，提供带工具声明的同步/流式生成接口
type Client struct {
	cfg       *config.AIConfig
	chatModel einomodel.ChatModel
}

// NewClient 创建 AI 客户端
func NewClient(ctx context.Context, cfg *config.AIConfig) (*Client, error) {
	chatModel, err := component.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	return &Client{
		cfg:       cfg,
		chatModel: chatModel,
	}, nil
}

// CallOptions 单次调用选项
type CallOptions struct {
	Model string             // 覆盖默认模型，为空时使用配置的模型
	Tools []*schema.ToolInfo // 本次调用可用的工具，为空时完全省略工具参数
}

// options 组装 eino 调用选项
func (o *CallOptions) options() []einomodel.Option {
	if o == nil {
		return nil
	}
	var opts []einomodel.Option
	if o.Model != "" {
		opts = append(opts, einomodel.WithModel(o.Model))
	}
	if len(o.Tools) > 0 {
		opts = append(opts, einomodel.WithTools(o.Tools))
	}
	return opts
}

// Generate 同步生成
func (c *Client) Generate(ctx context.Context, messages []*schema.Message, opts *CallOptions) (*schema.Message, error) {
	return c.chatModel.Generate(ctx, messages, opts.options()...)
}

// Stream 流式生成
func (c *Client) Stream(ctx context.Context, messages []*schema.Message, opts *CallOptions) (*schema.StreamReader[*schema.Message], error) {
	return c.chatModel.Stream(ctx, messages, opts.options()...)
}
