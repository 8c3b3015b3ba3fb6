package service

import (
	"fmt"
	"strings"
	"time"

	"yuzu/internal/tool"
	"yuzu/internal/tool/builtin"
)

// 固定行为指令，追加在每个系统提示词之后
const behaviorDirectives = `回复要求:
- 回答简明扼要，避免冗长
- 不要在回复中包含任何链接
- 使用纯文本，不要使用 Markdown 或其他标记`

// buildSystemPrompt 组装系统提示词
// 结构: 基础提示词 + 知识上下文块 + 固定行为指令 + 当前时间指令 + 按启用工具派生的条件指令
func buildSystemPrompt(basePrompt, knowledgeBlock string, enabled tool.EnabledSet, now time.Time) string {
	var b strings.Builder

	b.WriteString(strings.TrimSpace(basePrompt))

	if knowledgeBlock != "" {
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(knowledgeBlock))
	}

	b.WriteString("\n\n")
	b.WriteString(behaviorDirectives)

	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("当前时间: %s", now.Format("2006-01-02 15:04:05 MST")))

	if directives := toolDirectives(enabled); directives != "" {
		b.WriteString("\n\n")
		b.WriteString(directives)
	}

	return b.String()
}

// toolDirectives 按启用的工具派生使用指令
func toolDirectives(enabled tool.EnabledSet) string {
	if len(enabled) == 0 {
		return ""
	}

	var lines []string

	detectKey := tool.BuildKey(tool.KeyStyleNamespaced, builtin.LeadCaptureToolID, "detectTriggerKeyword", "")
	if _, ok := enabled[detectKey]; ok {
		// lead-capture 启用时每一轮都必须先扫描用户消息
		lines = append(lines, fmt.Sprintf("每收到一条用户消息，必须先调用 %s 工具检查购买意向，再组织回答。", detectKey))
	}

	captureKey := tool.BuildKey(tool.KeyStyleNamespaced, builtin.LeadCaptureToolID, "captureLead", "")
	if _, ok := enabled[captureKey]; ok {
		lines = append(lines, fmt.Sprintf("用户留下联系方式时，调用 %s 工具记录。", captureKey))
	}

	bookKey := tool.BuildKey(tool.KeyStyleNamespaced, builtin.CalendarToolID, "bookSlot", "")
	if _, ok := enabled[bookKey]; ok {
		lines = append(lines, fmt.Sprintf("用户确认预约前，先查询空闲时段，再调用 %s 工具完成预约。", bookKey))
	}

	if len(lines) == 0 {
		return ""
	}
	return "工具使用要求:\n- " + strings.Join(lines, "\n- ")
}
