// Package builtin 平台内置工具
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"yuzu/internal/model"
	"yuzu/internal/tool"
)

// LeadCaptureToolID lead-capture 工具 ID
const LeadCaptureToolID = "lead-capture"

// 触发关键词，detectTriggerKeyword 按此扫描用户消息
var leadTriggerKeywords = []string{
	"价格", "报价", "购买", "试用", "演示", "联系",
	"pricing", "quote", "buy", "trial", "demo", "contact",
}

// LeadStore 线索写入能力
type LeadStore interface {
	Create(ctx context.Context, lead *model.Lead) error
}

// NewLeadCapture 创建 lead-capture 工具定义
// 函数: detectTriggerKeyword（纯扫描）、captureLead（写线索记录）
func NewLeadCapture(store LeadStore) *tool.Definition {
	return &tool.Definition{
		ID:          LeadCaptureToolID,
		Name:        "Lead Capture",
		Description: "识别潜在客户意向并记录联系方式",
		Type:        model.ToolTypeRegistry,
		KeyStyle:    tool.KeyStyleNamespaced,
		Functions: map[string]*tool.Function{
			"detectTriggerKeyword": {
				Description: "扫描用户消息中的购买意向关键词，返回是否触发及命中的关键词",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"message": map[string]any{
							"type":        "string",
							"description": "待扫描的用户消息原文",
						},
					},
					"required": []string{"message"},
				},
				Execute: detectTriggerKeyword,
			},
			"captureLead": {
				Description: "记录潜在客户的联系方式，至少提供邮箱或电话之一",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":  map[string]any{"type": "string", "description": "客户姓名"},
						"email": map[string]any{"type": "string", "description": "邮箱"},
						"phone": map[string]any{"type": "string", "description": "电话"},
						"note":  map[string]any{"type": "string", "description": "补充说明"},
					},
				},
				Execute: captureLead(store),
			},
		},
	}
}

func detectTriggerKeyword(_ context.Context, params map[string]any, _ *tool.ExecContext) (*tool.Result, error) {
	message, _ := params["message"].(string)
	lowered := strings.ToLower(message)

	for _, kw := range leadTriggerKeywords {
		if strings.Contains(lowered, kw) {
			out, _ := json.Marshal(map[string]any{"triggered": true, "keyword": kw})
			return &tool.Result{OK: true, Content: string(out)}, nil
		}
	}

	return &tool.Result{OK: true, Content: `{"triggered":false}`}, nil
}

func captureLead(store LeadStore) tool.Handler {
	return func(ctx context.Context, params map[string]any, ec *tool.ExecContext) (*tool.Result, error) {
		email, _ := params["email"].(string)
		phone, _ := params["phone"].(string)
		if email == "" && phone == "" {
			return nil, fmt.Errorf("either email or phone is required")
		}

		name, _ := params["name"].(string)
		note, _ := params["note"].(string)

		lead := &model.Lead{
			OrgID:          ec.OrgID,
			BotID:          ec.BotID,
			ConversationID: ec.ConversationID,
			UserID:         ec.UserID,
			Name:           name,
			Email:          email,
			Phone:          phone,
			Note:           note,
			CreatedAt:      time.Now(),
		}
		if err := store.Create(ctx, lead); err != nil {
			return nil, fmt.Errorf("failed to save lead: %w", err)
		}

		return &tool.Result{OK: true, Content: `{"captured":true}`}, nil
	}
}
