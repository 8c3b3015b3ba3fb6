package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"
	"github.com/rs/zerolog/log"

	"yuzu/internal/model"
)

// CustomToolStore 自定义工具配置的读取能力
type CustomToolStore interface {
	FindByID(ctx context.Context, id string) (*model.CustomTool, error)
}

// Service 工具执行服务
// 职责: 解析启用工具集、校验参数、调用处理器并归一化失败
type Service struct {
	registry    *Registry
	customStore CustomToolStore
	executor    *CustomExecutor
}

// NewService 创建工具执行服务
func NewService(registry *Registry, customStore CustomToolStore) *Service {
	return &Service{
		registry:    registry,
		customStore: customStore,
		executor:    NewCustomExecutor(),
	}
}

// Registry 返回内置工具注册表
func (s *Service) Registry() *Registry {
	return s.registry
}

// BuildEnabledSet 构造请求作用域的启用工具集
// 内置工具注册表命中即用；未命中时尝试按自定义工具合成，合成失败静默排除
// （fail-closed：配置残缺的工具不进入集合，而不是中止整个请求）
func (s *Service) BuildEnabledSet(ctx context.Context, bot *model.Bot, ec *ExecContext) EnabledSet {
	set := make(EnabledSet)

	for _, toolID := range bot.EnabledTools {
		if def, ok := s.registry.Get(toolID); ok {
			s.addDefinition(set, def, "", ec)
			continue
		}

		def, err := s.synthesizeCustom(ctx, toolID, ec)
		if err != nil {
			log.Warn().Err(err).
				Str("tool_id", toolID).
				Str("bot_id", bot.ID).
				Msg("custom tool synthesis failed, excluded from enabled set")
			continue
		}
		s.addDefinition(set, def, def.Name, ec)
	}

	return set
}

// synthesizeCustom 按请求合成自定义工具定义
func (s *Service) synthesizeCustom(ctx context.Context, toolID string, ec *ExecContext) (*Definition, error) {
	if s.customStore == nil {
		return nil, fmt.Errorf("custom tool store not configured")
	}
	ct, err := s.customStore.FindByID(ctx, toolID)
	if err != nil {
		return nil, fmt.Errorf("load custom tool %s: %w", toolID, err)
	}
	if ct.OrgID != ec.OrgID {
		return nil, fmt.Errorf("custom tool %s belongs to another organization", toolID)
	}
	return Synthesize(ct, s.executor)
}

func (s *Service) addDefinition(set EnabledSet, def *Definition, override string, ec *ExecContext) {
	for name, fn := range def.Functions {
		key := BuildKey(def.KeyStyle, def.ID, name, override)
		set[key] = &Enabled{
			Key:      key,
			ToolID:   def.ID,
			Function: name,
			fn:       fn,
			ec:       ec,
			svc:      s,
		}
	}
}

// Execute 校验参数并调用处理器
// 处理器的错误被归一化为结构化结果；编排器不重试，是否重试由模型决定
func (s *Service) Execute(ctx context.Context, fn *Function, params map[string]any, ec *ExecContext) *Result {
	if err := validateParams(fn.Parameters, params); err != nil {
		return &Result{OK: false, Error: err.Error()}
	}

	result, err := fn.Execute(ctx, params, ec)
	if err != nil {
		return &Result{OK: false, Error: err.Error()}
	}
	return result
}

// validateParams 按工具声明的 JSON Schema 校验参数
func validateParams(schemaDoc map[string]any, params map[string]any) error {
	if schemaDoc == nil {
		return nil
	}

	compiled, err := compileSchema(schemaDoc)
	if err != nil {
		// schema 本身有问题时不拦截执行，只记录
		log.Warn().Err(err).Msg("tool parameter schema compile failed, skipping validation")
		return nil
	}

	if params == nil {
		params = map[string]any{}
	}
	result := compiled.Validate(params)
	if !result.Valid {
		return fmt.Errorf("invalid parameters: %v", result.Errors)
	}
	return nil
}

func compileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return jsonschema.NewCompiler().Compile(raw)
}
