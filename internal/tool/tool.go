package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"yuzu/internal/model"
)

// ExecContext 工具执行上下文
// 始终携带租户维度的标识，工具的副作用必须限定在正确的租户内
type ExecContext struct {
	OrgID          string
	BotID          string
	ConversationID string
	UserID         string
	WebhookPayload map[string]any // 渠道原始载荷，透传给处理器
}

// Result 工具执行结果
// 处理器失败被归一化为结构化结果返回给模型，而不是向编排器抛错
type Result struct {
	OK      bool   `json:"ok"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Text 返回写入工具消息的文本
func (r *Result) Text() string {
	if r.OK {
		return r.Content
	}
	return fmt.Sprintf(`{"ok":false,"error":%q}`, r.Error)
}

// Handler 工具函数处理器
type Handler func(ctx context.Context, params map[string]any, ec *ExecContext) (*Result, error)

// Function 工具函数定义
type Function struct {
	Description string
	Parameters  map[string]any // JSON Schema
	Execute     Handler
}

// Definition 工具定义
// registry 工具进程级存活;custom 工具按请求从存储合成，用完即弃
type Definition struct {
	ID          string
	Name        string
	Description string
	Type        model.ToolType
	KeyStyle    KeyStyle
	Functions   map[string]*Function
}

// KeyStyle 暴露给模型的工具 key 命名方式
// 两种命名方式是兼容性约束：租户的提示词和自动化流程里嵌着这些名字，不能统一
type KeyStyle int

const (
	// KeyStyleNamespaced 内置工具: {toolID}_{functionName}
	KeyStyleNamespaced KeyStyle = iota
	// KeyStyleRaw 自定义工具: 租户配置的函数名，缺省回退到原始函数名
	KeyStyleRaw
)

// BuildKey 构造暴露给模型的工具 key
func BuildKey(style KeyStyle, toolID, function, override string) string {
	switch style {
	case KeyStyleRaw:
		if override != "" {
			return override
		}
		return function
	default:
		return fmt.Sprintf("%s_%s", toolID, function)
	}
}

// Enabled 请求作用域内一个已启用的工具函数
// 闭包绑定了执行上下文，不跨请求共享
type Enabled struct {
	Key      string
	ToolID   string
	Function string
	fn       *Function
	ec       *ExecContext
	svc      *Service
}

// Invoke 执行工具函数（参数为模型产出的原始 JSON）
func (e *Enabled) Invoke(ctx context.Context, argumentsJSON string) *Result {
	var params map[string]any
	if argumentsJSON != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &params); err != nil {
			return &Result{OK: false, Error: fmt.Sprintf("invalid arguments json: %v", err)}
		}
	}
	return e.svc.Execute(ctx, e.fn, params, e.ec)
}

// EnabledSet 请求作用域的工具集: key -> 绑定上下文的调用闭包
type EnabledSet map[string]*Enabled

// ToolInfos 转换为传给模型的工具声明，集合为空时返回 nil
func (s EnabledSet) ToolInfos() []*schema.ToolInfo {
	if len(s) == 0 {
		return nil
	}
	infos := make([]*schema.ToolInfo, 0, len(s))
	for key, e := range s {
		infos = append(infos, &schema.ToolInfo{
			Name:        key,
			Desc:        e.fn.Description,
			ParamsOneOf: paramsFromJSONSchema(e.fn.Parameters),
		})
	}
	return infos
}

// paramsFromJSONSchema 将存储的 JSON Schema 转为 eino 的参数声明
// 只处理对话工具会用到的子集: type/description/enum/required/properties/items
func paramsFromJSONSchema(js map[string]any) *schema.ParamsOneOf {
	props, _ := js["properties"].(map[string]any)
	if props == nil {
		return schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{})
	}

	required := map[string]bool{}
	if reqs, ok := js["required"].([]any); ok {
		for _, r := range reqs {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}
	if reqs, ok := js["required"].([]string); ok {
		for _, name := range reqs {
			required[name] = true
		}
	}

	params := make(map[string]*schema.ParameterInfo, len(props))
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		info := parameterInfo(prop)
		info.Required = required[name]
		params[name] = info
	}
	return schema.NewParamsOneOfByParams(params)
}

func parameterInfo(prop map[string]any) *schema.ParameterInfo {
	info := &schema.ParameterInfo{Type: schema.String}
	if prop == nil {
		return info
	}

	if t, ok := prop["type"].(string); ok {
		switch t {
		case "object":
			info.Type = schema.Object
		case "number":
			info.Type = schema.Number
		case "integer":
			info.Type = schema.Integer
		case "boolean":
			info.Type = schema.Boolean
		case "array":
			info.Type = schema.Array
		default:
			info.Type = schema.String
		}
	}
	if desc, ok := prop["description"].(string); ok {
		info.Desc = desc
	}
	if enums, ok := prop["enum"].([]any); ok {
		for _, e := range enums {
			if s, ok := e.(string); ok {
				info.Enum = append(info.Enum, s)
			}
		}
	}
	if items, ok := prop["items"].(map[string]any); ok {
		info.ElemInfo = parameterInfo(items)
	}
	if sub, ok := prop["properties"].(map[string]any); ok {
		info.SubParams = make(map[string]*schema.ParameterInfo, len(sub))
		for name, raw := range sub {
			p, _ := raw.(map[string]any)
			info.SubParams[name] = parameterInfo(p)
		}
	}
	return info
}
