package service

import (
	"context"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"yuzu/internal/model"
	"yuzu/internal/tool"
	"yuzu/internal/tool/builtin"
)

type memLeadStore struct{ leads []*model.Lead }

func (m *memLeadStore) Create(ctx context.Context, lead *model.Lead) error {
	m.leads = append(m.leads, lead)
	return nil
}

func TestBuildSystemPrompt(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

	Convey("系统提示词组装", t, func() {
		Convey("基础结构: 提示词 + 行为指令 + 时间", func() {
			prompt := buildSystemPrompt("你是客服助手", "", nil, now)

			So(prompt, ShouldStartWith, "你是客服助手")
			So(prompt, ShouldContainSubstring, "回复要求:")
			So(prompt, ShouldContainSubstring, "当前时间: 2026-03-15 10:30:00 UTC")
		})

		Convey("知识块插在基础提示词与行为指令之间", func() {
			prompt := buildSystemPrompt("你是客服助手", "参考资料:\n[1] 退货政策", nil, now)

			So(prompt, ShouldContainSubstring, "参考资料")
			knowledgeAt := strings.Index(prompt, "参考资料")
			directivesAt := strings.Index(prompt, "回复要求")
			So(knowledgeAt, ShouldBeGreaterThan, strings.Index(prompt, "你是客服助手"))
			So(directivesAt, ShouldBeGreaterThan, knowledgeAt)
		})

		Convey("无知识块时不留空段落", func() {
			prompt := buildSystemPrompt("你是客服助手", "", nil, now)
			So(prompt, ShouldNotContainSubstring, "\n\n\n")
		})

		Convey("启用 lead-capture 时注入逐轮检测指令", func() {
			svc := tool.NewService(tool.NewRegistry(builtin.NewLeadCapture(&memLeadStore{})), nil)
			set := svc.BuildEnabledSet(context.Background(),
				&model.Bot{ID: "bot-1", EnabledTools: []string{builtin.LeadCaptureToolID}},
				&tool.ExecContext{OrgID: "org-1"})

			prompt := buildSystemPrompt("你是客服助手", "", set, now)

			So(prompt, ShouldContainSubstring, "lead-capture_detectTriggerKeyword")
			So(prompt, ShouldContainSubstring, "每收到一条用户消息")
			So(prompt, ShouldContainSubstring, "lead-capture_captureLead")
		})

		Convey("未启用工具时没有工具使用要求段落", func() {
			prompt := buildSystemPrompt("你是客服助手", "", tool.EnabledSet{}, now)
			So(prompt, ShouldNotContainSubstring, "工具使用要求")
		})
	})
}
