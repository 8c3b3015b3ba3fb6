package tool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"yuzu/internal/model"
)

func TestBuildKey(t *testing.T) {
	Convey("工具 key 命名", t, func() {
		Convey("内置工具固定为 {toolID}_{functionName}", func() {
			So(BuildKey(KeyStyleNamespaced, "lead-capture", "captureLead", ""), ShouldEqual, "lead-capture_captureLead")
			// override 对内置工具无效
			So(BuildKey(KeyStyleNamespaced, "calendar", "bookSlot", "ignored"), ShouldEqual, "calendar_bookSlot")
		})

		Convey("自定义工具优先使用租户配置的名称", func() {
			So(BuildKey(KeyStyleRaw, "ct-1", "lookup_order", "查订单"), ShouldEqual, "查订单")
		})

		Convey("自定义工具未配置名称时回退到原始函数名", func() {
			So(BuildKey(KeyStyleRaw, "ct-1", "lookup_order", ""), ShouldEqual, "lookup_order")
		})
	})
}

type memCustomStore struct {
	tools map[string]*model.CustomTool
}

func (m *memCustomStore) FindByID(ctx context.Context, id string) (*model.CustomTool, error) {
	ct, ok := m.tools[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return ct, nil
}

func validCustomTool(id, orgID string) *model.CustomTool {
	return &model.CustomTool{
		ID:           id,
		OrgID:        orgID,
		Type:         model.ToolTypeCustom,
		FunctionName: "lookup_order",
		DisplayName:  "查订单",
		Description:  "按订单号查询订单状态",
		Endpoint:     "https://example.com/hook",
		Enabled:      true,
	}
}

func testRegistryDef() *Definition {
	return &Definition{
		ID:       "echo",
		Name:     "Echo",
		Type:     model.ToolTypeRegistry,
		KeyStyle: KeyStyleNamespaced,
		Functions: map[string]*Function{
			"say": {
				Description: "原样返回输入",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text": map[string]any{"type": "string"},
					},
					"required": []string{"text"},
				},
				Execute: func(ctx context.Context, params map[string]any, ec *ExecContext) (*Result, error) {
					text, _ := params["text"].(string)
					return &Result{OK: true, Content: text}, nil
				},
			},
		},
	}
}

func TestBuildEnabledSet(t *testing.T) {
	ctx := context.Background()
	ec := &ExecContext{OrgID: "org-1", BotID: "bot-1"}

	Convey("启用工具集的解析", t, func() {
		store := &memCustomStore{tools: map[string]*model.CustomTool{
			"ct-1": validCustomTool("ct-1", "org-1"),
		}}
		svc := NewService(NewRegistry(testRegistryDef()), store)

		Convey("注册表命中时按命名空间 key 启用", func() {
			set := svc.BuildEnabledSet(ctx, &model.Bot{ID: "bot-1", EnabledTools: []string{"echo"}}, ec)
			So(len(set), ShouldEqual, 1)
			So(set, ShouldContainKey, "echo_say")
			So(set["echo_say"].ToolID, ShouldEqual, "echo")
			So(set["echo_say"].Function, ShouldEqual, "say")
		})

		Convey("注册表未命中时合成自定义工具，key 用配置的名称", func() {
			set := svc.BuildEnabledSet(ctx, &model.Bot{ID: "bot-1", EnabledTools: []string{"ct-1"}}, ec)
			So(len(set), ShouldEqual, 1)
			So(set, ShouldContainKey, "查订单")
		})

		Convey("自定义工具未配置显示名时 key 回退到函数名", func() {
			ct := validCustomTool("ct-2", "org-1")
			ct.DisplayName = ""
			store.tools["ct-2"] = ct

			set := svc.BuildEnabledSet(ctx, &model.Bot{ID: "bot-1", EnabledTools: []string{"ct-2"}}, ec)
			So(set, ShouldContainKey, "lookup_order")
		})

		Convey("其他组织的自定义工具被排除", func() {
			store.tools["ct-3"] = validCustomTool("ct-3", "org-other")

			set := svc.BuildEnabledSet(ctx, &model.Bot{ID: "bot-1", EnabledTools: []string{"ct-3"}}, ec)
			So(len(set), ShouldEqual, 0)
		})

		Convey("配置残缺的工具被静默排除，不影响其余工具", func() {
			broken := validCustomTool("ct-4", "org-1")
			broken.Endpoint = ""
			store.tools["ct-4"] = broken

			set := svc.BuildEnabledSet(ctx, &model.Bot{
				ID:           "bot-1",
				EnabledTools: []string{"echo", "ct-4", "unknown-tool"},
			}, ec)
			So(len(set), ShouldEqual, 1)
			So(set, ShouldContainKey, "echo_say")
		})

		Convey("空集合的 ToolInfos 返回 nil", func() {
			set := svc.BuildEnabledSet(ctx, &model.Bot{ID: "bot-1"}, ec)
			So(set.ToolInfos(), ShouldBeNil)
		})
	})
}

func TestSynthesize(t *testing.T) {
	executor := NewCustomExecutor()

	Convey("自定义工具合成是 fail-closed 的", t, func() {
		Convey("完整配置合成成功", func() {
			def, err := Synthesize(validCustomTool("ct-1", "org-1"), executor)
			So(err, ShouldBeNil)
			So(def.KeyStyle, ShouldEqual, KeyStyleRaw)
			So(def.Functions, ShouldContainKey, "lookup_order")
		})

		Convey("已禁用的工具合成失败", func() {
			ct := validCustomTool("ct-1", "org-1")
			ct.Enabled = false
			_, err := Synthesize(ct, executor)
			So(err, ShouldNotBeNil)
		})

		Convey("缺少必需配置键时合成失败", func() {
			ct := validCustomTool("ct-1", "org-1")
			ct.RequiredConfig = []string{"api_key"}
			_, err := Synthesize(ct, executor)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "api_key")
		})

		Convey("必需配置键齐备时合成成功", func() {
			ct := validCustomTool("ct-1", "org-1")
			ct.RequiredConfig = []string{"api_key"}
			ct.Config = map[string]string{"api_key": "secret"}
			_, err := Synthesize(ct, executor)
			So(err, ShouldBeNil)
		})

		Convey("registry 类型的记录不能按自定义工具合成", func() {
			ct := validCustomTool("ct-1", "org-1")
			ct.Type = model.ToolTypeRegistry
			_, err := Synthesize(ct, executor)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestServiceExecute(t *testing.T) {
	ctx := context.Background()
	ec := &ExecContext{OrgID: "org-1", BotID: "bot-1"}

	Convey("参数校验与失败归一化", t, func() {
		svc := NewService(NewRegistry(testRegistryDef()), nil)
		fn := testRegistryDef().Functions["say"]

		Convey("合法参数正常执行", func() {
			result := svc.Execute(ctx, fn, map[string]any{"text": "你好"}, ec)
			So(result.OK, ShouldBeTrue)
			So(result.Content, ShouldEqual, "你好")
		})

		Convey("缺少必填参数返回结构化失败", func() {
			result := svc.Execute(ctx, fn, map[string]any{}, ec)
			So(result.OK, ShouldBeFalse)
			So(result.Error, ShouldNotBeEmpty)
		})

		Convey("参数类型不匹配返回结构化失败", func() {
			result := svc.Execute(ctx, fn, map[string]any{"text": 42}, ec)
			So(result.OK, ShouldBeFalse)
		})

		Convey("处理器返回错误时归一化为结构化失败", func() {
			failing := &Function{
				Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
				Execute: func(ctx context.Context, params map[string]any, ec *ExecContext) (*Result, error) {
					return nil, fmt.Errorf("upstream unavailable")
				},
			}
			result := svc.Execute(ctx, failing, nil, ec)
			So(result.OK, ShouldBeFalse)
			So(result.Error, ShouldContainSubstring, "upstream unavailable")
		})
	})
}

func TestEnabledInvoke(t *testing.T) {
	ctx := context.Background()
	ec := &ExecContext{OrgID: "org-1", BotID: "bot-1"}

	Convey("Invoke 解析模型产出的原始 JSON 参数", t, func() {
		svc := NewService(NewRegistry(testRegistryDef()), nil)
		set := svc.BuildEnabledSet(ctx, &model.Bot{ID: "bot-1", EnabledTools: []string{"echo"}}, ec)
		enabled := set["echo_say"]

		Convey("合法 JSON 直通执行", func() {
			result := enabled.Invoke(ctx, `{"text":"测试"}`)
			So(result.OK, ShouldBeTrue)
			So(result.Content, ShouldEqual, "测试")
		})

		Convey("非法 JSON 返回结构化失败", func() {
			result := enabled.Invoke(ctx, `{"text":`)
			So(result.OK, ShouldBeFalse)
			So(result.Error, ShouldContainSubstring, "invalid arguments json")
		})

		Convey("失败结果的工具消息文本携带错误", func() {
			result := enabled.Invoke(ctx, `{`)
			So(result.Text(), ShouldContainSubstring, `"ok":false`)
		})
	})
}

func TestCustomExecutor(t *testing.T) {
	ctx := context.Background()
	ec := &ExecContext{
		OrgID:          "org-1",
		BotID:          "bot-1",
		ConversationID: "conv-1",
		WebhookPayload: map[string]any{"channel": "line"},
	}

	Convey("自定义工具执行器回调租户端点", t, func() {
		Convey("端点成功响应时透传响应体", func(c C) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c.So(r.Method, ShouldEqual, http.MethodPost)
				w.Write([]byte(`{"status":"shipped"}`))
			}))
			defer ts.Close()

			ct := validCustomTool("ct-1", "org-1")
			ct.Endpoint = ts.URL
			def, err := Synthesize(ct, NewCustomExecutor())
			So(err, ShouldBeNil)

			result, err := def.Functions["lookup_order"].Execute(ctx, map[string]any{"order_id": "A1"}, ec)
			So(err, ShouldBeNil)
			So(result.OK, ShouldBeTrue)
			So(result.Content, ShouldEqual, `{"status":"shipped"}`)
		})

		Convey("端点返回错误状态码时执行失败", func() {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			}))
			defer ts.Close()

			ct := validCustomTool("ct-1", "org-1")
			ct.Endpoint = ts.URL
			def, err := Synthesize(ct, NewCustomExecutor())
			So(err, ShouldBeNil)

			_, err = def.Functions["lookup_order"].Execute(ctx, nil, ec)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "502")
		})
	})
}
