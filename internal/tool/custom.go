package tool

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"yuzu/internal/model"
)

// Synthesize 从存储的配置合成自定义工具定义
// 合成是纯函数（无副作用），任何配置缺陷都返回错误由调用方静默排除该工具
func Synthesize(ct *model.CustomTool, executor *CustomExecutor) (*Definition, error) {
	if ct.Type != model.ToolTypeCustom {
		return nil, fmt.Errorf("tool %s is not a custom tool", ct.ID)
	}
	if !ct.Enabled {
		return nil, fmt.Errorf("custom tool %s is disabled", ct.ID)
	}
	if ct.FunctionName == "" {
		return nil, fmt.Errorf("custom tool %s has no function name", ct.ID)
	}
	if ct.Endpoint == "" {
		return nil, fmt.Errorf("custom tool %s has no endpoint", ct.ID)
	}
	for _, key := range ct.RequiredConfig {
		if _, ok := ct.Config[key]; !ok {
			return nil, fmt.Errorf("custom tool %s missing config key %q", ct.ID, key)
		}
	}

	params := ct.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	return &Definition{
		ID:          ct.ID,
		Name:        ct.DisplayName,
		Description: ct.Description,
		Type:        model.ToolTypeCustom,
		KeyStyle:    KeyStyleRaw,
		Functions: map[string]*Function{
			ct.FunctionName: {
				Description: ct.Description,
				Parameters:  params,
				Execute:     executor.handler(ct),
			},
		},
	}, nil
}

// CustomExecutor 自定义工具执行器
// 将参数与执行上下文 POST 到租户配置的回调地址
type CustomExecutor struct {
	client *resty.Client
}

// NewCustomExecutor 创建自定义工具执行器
func NewCustomExecutor() *CustomExecutor {
	return &CustomExecutor{client: resty.New()}
}

// customToolRequest 回调请求体
type customToolRequest struct {
	Tool           string            `json:"tool"`
	Function       string            `json:"function"`
	Params         map[string]any    `json:"params"`
	OrgID          string            `json:"org_id"`
	BotID          string            `json:"bot_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	WebhookPayload map[string]any    `json:"webhook_payload,omitempty"`
	Config         map[string]string `json:"config,omitempty"`
}

func (e *CustomExecutor) handler(ct *model.CustomTool) Handler {
	return func(ctx context.Context, params map[string]any, ec *ExecContext) (*Result, error) {
		body := &customToolRequest{
			Tool:           ct.ID,
			Function:       ct.FunctionName,
			Params:         params,
			OrgID:          ec.OrgID,
			BotID:          ec.BotID,
			ConversationID: ec.ConversationID,
			UserID:         ec.UserID,
			WebhookPayload: ec.WebhookPayload,
			Config:         ct.Config,
		}

		resp, err := e.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(body).
			Post(ct.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("custom tool request failed: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("custom tool endpoint returned %d", resp.StatusCode())
		}

		return &Result{OK: true, Content: string(resp.Body())}, nil
	}
}
