package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	. "github.com/smartystreets/goconvey/convey"

	"yuzu/internal/ai"
	"yuzu/internal/billing"
	"yuzu/internal/config"
	"yuzu/internal/knowledge"
	"yuzu/internal/model"
	"yuzu/internal/tool"
)

type fakeBots struct {
	bot *model.Bot
	err error
}

func (f *fakeBots) FindByID(ctx context.Context, id string) (*model.Bot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.bot, nil
}

type fakeConvs struct {
	mu        sync.Mutex
	convs     map[string]*model.Conversation
	appended  map[string][]model.Message
	statuses  map[string]model.ConversationStatus
	createErr error
}

func newFakeConvs() *fakeConvs {
	return &fakeConvs{
		convs:    map[string]*model.Conversation{},
		appended: map[string][]model.Message{},
		statuses: map[string]model.ConversationStatus{},
	}
}

func (f *fakeConvs) Create(ctx context.Context, conv *model.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	conv.ID = "conv-new"
	f.convs[conv.ID] = conv
	return nil
}

func (f *fakeConvs) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return conv, nil
}

func (f *fakeConvs) AppendMessage(ctx context.Context, id string, msg model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended[id] = append(f.appended[id], msg)
	return nil
}

func (f *fakeConvs) SetStatus(ctx context.Context, id string, status model.ConversationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeConvs) messages(id string) []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.appended[id]...)
}

func (f *fakeConvs) status(id string) model.ConversationStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

type fakeLocker struct {
	mu       sync.Mutex
	acquired []string
	released []string
	waited   []string
}

func (f *fakeLocker) Acquire(ctx context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired = append(f.acquired, id)
	return true
}

func (f *fakeLocker) WaitUntilFree(ctx context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited = append(f.waited, id)
}

func (f *fakeLocker) Release(ctx context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
}

func (f *fakeLocker) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

type debitCall struct {
	orgID  string
	model  string
	tokens int
	ctxErr error
}

type fakeGate struct {
	mu       sync.Mutex
	checkErr error
	debits   []debitCall
}

func (f *fakeGate) Check(ctx context.Context, orgID, modelID string) error {
	return f.checkErr
}

func (f *fakeGate) Debit(ctx context.Context, orgID, modelID string, totalTokens int, meta *billing.DebitMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debits = append(f.debits, debitCall{orgID: orgID, model: modelID, tokens: totalTokens, ctxErr: ctx.Err()})
	return nil
}

func (f *fakeGate) debitCalls() []debitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]debitCall(nil), f.debits...)
}

type fakeRetriever struct {
	kctx  *knowledge.Context
	calls int
}

func (f *fakeRetriever) Retrieve(ctx context.Context, kbs []string, query string, topK int) *knowledge.Context {
	f.calls++
	if f.kctx == nil {
		return knowledge.Empty()
	}
	return f.kctx
}

type modelCall struct {
	messages []*schema.Message
	opts     *ai.CallOptions
}

// fakeModel 按序弹出脚本化的响应，延迟可选
type fakeModel struct {
	mu          sync.Mutex
	responses   []*schema.Message
	err         error
	delay       time.Duration
	streamParts int // >0 时流式响应拆成这么多片
	calls       []modelCall
}

func (f *fakeModel) next(messages []*schema.Message, opts *ai.CallOptions) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, modelCall{messages: messages, opts: opts})
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	out := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return out, nil
}

func (f *fakeModel) Generate(ctx context.Context, messages []*schema.Message, opts *ai.CallOptions) (*schema.Message, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.next(messages, opts)
}

func (f *fakeModel) Stream(ctx context.Context, messages []*schema.Message, opts *ai.CallOptions) (*schema.StreamReader[*schema.Message], error) {
	out, err := f.next(messages, opts)
	if err != nil {
		return nil, err
	}
	sr, sw := schema.Pipe[*schema.Message](4)
	go func() {
		defer sw.Close()
		if f.streamParts > 0 {
			for i := 0; i < f.streamParts; i++ {
				if sw.Send(&schema.Message{Role: schema.Assistant, Content: "片"}, nil) {
					return
				}
			}
			return
		}
		// 拆成两片，验证调用方做了增量转发与合并
		half := len(out.Content) / 2
		sw.Send(&schema.Message{Role: schema.Assistant, Content: out.Content[:half]}, nil)
		sw.Send(&schema.Message{
			Role:         schema.Assistant,
			Content:      out.Content[half:],
			ResponseMeta: out.ResponseMeta,
		}, nil)
	}()
	return sr, nil
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeModel) call(i int) modelCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func assistantReply(content string, totalTokens int) *schema.Message {
	return &schema.Message{
		Role:    schema.Assistant,
		Content: content,
		ResponseMeta: &schema.ResponseMeta{
			Usage: &schema.TokenUsage{
				PromptTokens:     totalTokens / 2,
				CompletionTokens: totalTokens - totalTokens/2,
				TotalTokens:      totalTokens,
			},
		},
	}
}

func toolCallReply(key, arguments string) *schema.Message {
	return &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{{
			ID:       "call-1",
			Function: schema.FunctionCall{Name: key, Arguments: arguments},
		}},
	}
}

// echoRegistry 带一个简单 registry 工具的工具服务
func echoRegistry() *tool.Service {
	def := &tool.Definition{
		ID:       "echo",
		Name:     "Echo",
		Type:     model.ToolTypeRegistry,
		KeyStyle: tool.KeyStyleNamespaced,
		Functions: map[string]*tool.Function{
			"say": {
				Description: "原样返回输入",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text": map[string]any{"type": "string"},
					},
				},
				Execute: func(ctx context.Context, params map[string]any, ec *tool.ExecContext) (*tool.Result, error) {
					text, _ := params["text"].(string)
					return &tool.Result{OK: true, Content: "echo: " + text}, nil
				},
			},
		},
	}
	return tool.NewService(tool.NewRegistry(def), nil)
}

type chatFixture struct {
	svc       *ChatService
	bots      *fakeBots
	convs     *fakeConvs
	locks     *fakeLocker
	gate      *fakeGate
	retriever *fakeRetriever
	model     *fakeModel
	scheduler *CompletionScheduler
}

func newChatFixture(cfg config.ChatConfig) *chatFixture {
	f := &chatFixture{
		bots: &fakeBots{bot: &model.Bot{
			ID:           "bot-1",
			OrgID:        "org-1",
			Model:        "gpt-4o-mini",
			SystemPrompt: "你是客服助手",
			EnabledTools: []string{"echo"},
		}},
		convs:     newFakeConvs(),
		locks:     &fakeLocker{},
		gate:      &fakeGate{},
		retriever: &fakeRetriever{},
		model:     &fakeModel{},
		scheduler: NewCompletionScheduler(),
	}
	f.svc = NewChatService(f.bots, f.convs, f.locks, f.gate, f.retriever, echoRegistry(), f.model, f.scheduler, cfg)
	return f
}

func testChatConfig() config.ChatConfig {
	return config.ChatConfig{
		LockTTL:             time.Minute,
		LockMaxWait:         time.Second,
		LockPollInterval:    10 * time.Millisecond,
		MaxToolRounds:       5,
		CompleteDelay:       time.Hour,
		ProcessingTimeCapMs: 30000,
		KnowledgeTopK:       5,
	}
}

func TestChatServiceProcess(t *testing.T) {
	ctx := context.Background()

	Convey("正常的阻塞对话流程", t, func() {
		f := newChatFixture(testChatConfig())
		defer f.scheduler.Stop()
		f.model.responses = []*schema.Message{assistantReply("你好，有什么可以帮您？", 42)}

		resp, err := f.svc.Process(ctx, &model.ChatRequest{
			BotID:   "bot-1",
			Message: "你好",
			Source:  model.SourcePlayground,
		})

		So(err, ShouldBeNil)
		So(resp.Message, ShouldEqual, "你好，有什么可以帮您？")
		So(resp.ConversationID, ShouldEqual, "conv-new")
		So(resp.Usage.TotalTokens, ShouldEqual, 42)
		So(resp.HasKnowledgeContext, ShouldBeFalse)

		Convey("用户与助手消息各落库一次", func() {
			msgs := f.convs.messages("conv-new")
			So(len(msgs), ShouldEqual, 2)
			So(msgs[0].Role, ShouldEqual, "user")
			So(msgs[0].Content, ShouldEqual, "你好")
			So(msgs[1].Role, ShouldEqual, "assistant")
			So(msgs[1].TokenUsage.TotalTokens, ShouldEqual, 42)
		})

		Convey("锁在处理窗口内恰好获取并释放一次", func() {
			So(f.locks.waited, ShouldResemble, []string{"conv-new"})
			So(f.locks.acquired, ShouldResemble, []string{"conv-new"})
			So(f.locks.releaseCount(), ShouldEqual, 1)
		})

		Convey("按实际用量扣费一次", func() {
			debits := f.gate.debitCalls()
			So(len(debits), ShouldEqual, 1)
			So(debits[0].orgID, ShouldEqual, "org-1")
			So(debits[0].tokens, ShouldEqual, 42)
		})

		Convey("系统提示词包含机器人基础提示词与时间戳", func() {
			sent := f.model.call(0).messages
			So(sent[0].Role, ShouldEqual, schema.System)
			So(sent[0].Content, ShouldContainSubstring, "你是客服助手")
			So(sent[0].Content, ShouldContainSubstring, "当前时间")
		})
	})

	Convey("计费门控拦截时不产生任何副作用", t, func() {
		f := newChatFixture(testChatConfig())
		defer f.scheduler.Stop()
		f.gate.checkErr = billing.ErrInsufficientCredit

		_, err := f.svc.Process(ctx, &model.ChatRequest{BotID: "bot-1", Message: "你好"})

		So(errors.Is(err, billing.ErrInsufficientCredit), ShouldBeTrue)
		So(f.model.callCount(), ShouldEqual, 0)
		So(len(f.locks.acquired), ShouldEqual, 0)
		So(len(f.convs.messages("conv-new")), ShouldEqual, 0)
	})

	Convey("机器人暂停时拒绝处理", t, func() {
		f := newChatFixture(testChatConfig())
		defer f.scheduler.Stop()
		f.bots.bot.Paused = true

		_, err := f.svc.Process(ctx, &model.ChatRequest{BotID: "bot-1", Message: "你好"})
		So(errors.Is(err, ErrBotPaused), ShouldBeTrue)
		So(f.model.callCount(), ShouldEqual, 0)
	})

	Convey("对话被人工接管时机器人不回复", t, func() {
		f := newChatFixture(testChatConfig())
		defer f.scheduler.Stop()
		f.convs.convs["conv-1"] = &model.Conversation{ID: "conv-1", Paused: true}

		_, err := f.svc.Process(ctx, &model.ChatRequest{
			BotID: "bot-1", Message: "你好", ConversationID: "conv-1",
		})
		So(errors.Is(err, ErrConversationPaused), ShouldBeTrue)
		So(f.model.callCount(), ShouldEqual, 0)
	})

	Convey("已有对话的历史回灌给模型", t, func() {
		f := newChatFixture(testChatConfig())
		defer f.scheduler.Stop()
		f.convs.convs["conv-1"] = &model.Conversation{
			ID: "conv-1",
			Messages: []model.Message{
				{Role: "user", Content: "上一个问题"},
				{Role: "assistant", Content: "上一个回答"},
			},
		}
		f.model.responses = []*schema.Message{assistantReply("继续", 10)}

		resp, err := f.svc.Process(ctx, &model.ChatRequest{
			BotID: "bot-1", Message: "追问", ConversationID: "conv-1",
		})

		So(err, ShouldBeNil)
		So(resp.ConversationID, ShouldEqual, "conv-1")
		sent := f.model.call(0).messages
		// system + 两条历史 + 本轮用户消息
		So(len(sent), ShouldEqual, 4)
		So(sent[1].Content, ShouldEqual, "上一个问题")
		So(sent[2].Content, ShouldEqual, "上一个回答")
		So(sent[3].Content, ShouldEqual, "追问")
	})

	Convey("对话创建失败时降级为无持久化处理", t, func() {
		f := newChatFixture(testChatConfig())
		defer f.scheduler.Stop()
		f.convs.createErr = errors.New("mongo down")
		f.model.responses = []*schema.Message{assistantReply("仍然回复", 10)}

		resp, err := f.svc.Process(ctx, &model.ChatRequest{BotID: "bot-1", Message: "你好"})

		So(err, ShouldBeNil)
		So(resp.Message, ShouldEqual, "仍然回复")
		So(resp.ConversationID, ShouldBeEmpty)
		So(len(f.locks.acquired), ShouldEqual, 0)
	})

	Convey("模型生成失败时返回错误并释放锁", t, func() {
		f := newChatFixture(testChatConfig())
		defer f.scheduler.Stop()
		f.model.err = errors.New("upstream timeout")

		_, err := f.svc.Process(ctx, &model.ChatRequest{BotID: "bot-1", Message: "你好"})

		So(err, ShouldNotBeNil)
		So(f.locks.releaseCount(), ShouldEqual, 1)
		// 失败回合不落助手消息、不扣费，对话标记为 failed
		So(len(f.convs.messages("conv-new")), ShouldEqual, 1)
		So(len(f.gate.debitCalls()), ShouldEqual, 0)
		So(f.convs.status("conv-new"), ShouldEqual, model.ConversationFailed)
	})

	Convey("机器人不存在时返回哨兵错误", t, func() {
		f := newChatFixture(testChatConfig())
		defer f.scheduler.Stop()
		f.bots.err = errors.New("mongo: no documents in result")

		_, err := f.svc.Process(ctx, &model.ChatRequest{BotID: "bot-x", Message: "你好"})

		So(errors.Is(err, ErrBotNotFound), ShouldBeTrue)
		So(f.model.callCount(), ShouldEqual, 0)
	})
}

func TestChatServiceToolLoop(t *testing.T) {
	ctx := context.Background()

	Convey("工具调用回合", t, func() {
		f := newChatFixture(testChatConfig())
		defer f.scheduler.Stop()

		Convey("工具结果作为 tool 消息回灌后得到最终回复", func() {
			f.model.responses = []*schema.Message{
				toolCallReply("echo_say", `{"text":"测试"}`),
				assistantReply("工具说: echo: 测试", 20),
			}

			resp, err := f.svc.Process(ctx, &model.ChatRequest{BotID: "bot-1", Message: "调用工具"})

			So(err, ShouldBeNil)
			So(resp.Message, ShouldEqual, "工具说: echo: 测试")
			So(len(resp.ToolCalls), ShouldEqual, 1)
			So(resp.ToolCalls[0].Key, ShouldEqual, "echo_say")
			So(resp.ToolCalls[0].ToolID, ShouldEqual, "echo")
			So(resp.ToolCalls[0].Function, ShouldEqual, "say")
			So(resp.ToolCalls[0].OK, ShouldBeTrue)
			So(resp.ToolCalls[0].Result, ShouldEqual, "echo: 测试")

			second := f.model.call(1).messages
			last := second[len(second)-1]
			So(last.Role, ShouldEqual, schema.Tool)
			So(last.Content, ShouldEqual, "echo: 测试")
			So(last.ToolCallID, ShouldEqual, "call-1")
		})

		Convey("未知工具 key 归一化为结构化失败结果", func() {
			f.model.responses = []*schema.Message{
				toolCallReply("no_such_tool", `{}`),
				assistantReply("收到", 5),
			}

			resp, err := f.svc.Process(ctx, &model.ChatRequest{BotID: "bot-1", Message: "调用"})

			So(err, ShouldBeNil)
			So(len(resp.ToolCalls), ShouldEqual, 1)
			So(resp.ToolCalls[0].OK, ShouldBeFalse)
			So(resp.ToolCalls[0].Error, ShouldContainSubstring, "unknown tool")

			second := f.model.call(1).messages
			last := second[len(second)-1]
			So(last.Role, ShouldEqual, schema.Tool)
			So(last.Content, ShouldContainSubstring, `"ok":false`)
		})

		Convey("工具轮次达到上限后停止", func() {
			cfg := testChatConfig()
			cfg.MaxToolRounds = 3
			f := newChatFixture(cfg)
			defer f.scheduler.Stop()
			// 只提供一个脚本响应，fakeModel 会重复返回它
			f.model.responses = []*schema.Message{toolCallReply("echo_say", `{"text":"循环"}`)}

			resp, err := f.svc.Process(ctx, &model.ChatRequest{BotID: "bot-1", Message: "循环"})

			So(err, ShouldBeNil)
			So(f.model.callCount(), ShouldEqual, 3)
			So(len(resp.ToolCalls), ShouldEqual, 3)
		})

		Convey("机器人未启用任何工具时不传工具声明", func() {
			f := newChatFixture(testChatConfig())
			defer f.scheduler.Stop()
			f.bots.bot.EnabledTools = nil
			f.model.responses = []*schema.Message{assistantReply("无工具回复", 8)}

			_, err := f.svc.Process(ctx, &model.ChatRequest{BotID: "bot-1", Message: "你好"})

			So(err, ShouldBeNil)
			So(f.model.call(0).opts.Tools, ShouldBeNil)
		})
	})
}

func TestChatServiceKnowledge(t *testing.T) {
	ctx := context.Background()

	Convey("配置了知识库的机器人", t, func() {
		f := newChatFixture(testChatConfig())
		defer f.scheduler.Stop()
		f.bots.bot.KnowledgeBases = []string{"kb-1"}
		f.retriever.kctx = &knowledge.Context{
			HasContext: true,
			Snippets: []knowledge.Snippet{
				{DocumentID: "doc-1", Title: "退货政策", Content: "七天无理由退货"},
			},
		}
		f.model.responses = []*schema.Message{assistantReply("支持七天无理由退货", 15)}

		resp, err := f.svc.Process(ctx, &model.ChatRequest{BotID: "bot-1", Message: "怎么退货"})

		So(err, ShouldBeNil)
		So(resp.HasKnowledgeContext, ShouldBeTrue)
		So(f.retriever.calls, ShouldEqual, 1)

		Convey("参考资料注入系统提示词", func() {
			sent := f.model.call(0).messages
			So(sent[0].Content, ShouldContainSubstring, "参考资料")
			So(sent[0].Content, ShouldContainSubstring, "七天无理由退货")
		})

		Convey("知识摘要随助手消息落库", func() {
			msgs := f.convs.messages("conv-new")
			So(len(msgs), ShouldEqual, 2)
			So(msgs[1].Knowledge, ShouldNotBeNil)
			So(msgs[1].Knowledge.HasContext, ShouldBeTrue)
			So(len(msgs[1].Knowledge.Documents), ShouldEqual, 1)
			So(msgs[1].Knowledge.Documents[0].DocumentID, ShouldEqual, "doc-1")
		})
	})

	Convey("检索失败降级为无上下文", t, func() {
		f := newChatFixture(testChatConfig())
		defer f.scheduler.Stop()
		f.bots.bot.KnowledgeBases = []string{"kb-1"}
		// fakeRetriever 未配置结果时返回空上下文，等价于检索失败路径
		f.model.responses = []*schema.Message{assistantReply("通用回复", 10)}

		resp, err := f.svc.Process(ctx, &model.ChatRequest{BotID: "bot-1", Message: "怎么退货"})

		So(err, ShouldBeNil)
		So(resp.HasKnowledgeContext, ShouldBeFalse)
		sent := f.model.call(0).messages
		So(sent[0].Content, ShouldNotContainSubstring, "参考资料")
	})
}

func TestChatServiceFinalize(t *testing.T) {
	ctx := context.Background()

	Convey("处理耗时按上限截断", t, func() {
		cfg := testChatConfig()
		cfg.ProcessingTimeCapMs = 1
		f := newChatFixture(cfg)
		defer f.scheduler.Stop()
		f.model.delay = 20 * time.Millisecond
		f.model.responses = []*schema.Message{assistantReply("慢回复", 10)}

		resp, err := f.svc.Process(ctx, &model.ChatRequest{BotID: "bot-1", Message: "你好"})

		So(err, ShouldBeNil)
		So(resp.ProcessingTimeMs, ShouldEqual, 1)
		msgs := f.convs.messages("conv-new")
		So(msgs[1].ProcessingTimeMs, ShouldEqual, 1)
	})

	Convey("延迟完成转换", t, func() {
		cfg := testChatConfig()
		cfg.CompleteDelay = 30 * time.Millisecond
		f := newChatFixture(cfg)
		defer f.scheduler.Stop()
		f.model.responses = []*schema.Message{assistantReply("回复", 10)}

		Convey("静默期满后对话转为 completed", func() {
			_, err := f.svc.Process(ctx, &model.ChatRequest{BotID: "bot-1", Message: "你好"})
			So(err, ShouldBeNil)
			So(f.convs.status("conv-new"), ShouldBeEmpty)

			time.Sleep(100 * time.Millisecond)
			So(f.convs.status("conv-new"), ShouldEqual, model.ConversationCompleted)
		})

		Convey("新的用户回合取消待执行的完成转换", func() {
			_, err := f.svc.Process(ctx, &model.ChatRequest{BotID: "bot-1", Message: "第一轮"})
			So(err, ShouldBeNil)

			_, err = f.svc.Process(ctx, &model.ChatRequest{
				BotID: "bot-1", Message: "追问", ConversationID: "conv-new",
			})
			So(err, ShouldBeNil)

			// 第二轮重新调度，第一轮的定时任务已被取消
			time.Sleep(100 * time.Millisecond)
			So(f.convs.status("conv-new"), ShouldEqual, model.ConversationCompleted)
		})
	})
}

func TestChatServiceStream(t *testing.T) {
	ctx := context.Background()

	Convey("流式对话流程", t, func() {
		f := newChatFixture(testChatConfig())
		defer f.scheduler.Stop()
		f.model.responses = []*schema.Message{assistantReply("流式回复内容", 30)}

		ch, convID, err := f.svc.ProcessStream(ctx, &model.ChatRequest{BotID: "bot-1", Message: "你好"})
		So(err, ShouldBeNil)
		So(convID, ShouldEqual, "conv-new")

		var content string
		var done *model.ChatChunk
		for chunk := range ch {
			if chunk.Done {
				done = chunk
				continue
			}
			content += chunk.Content
		}

		So(content, ShouldEqual, "流式回复内容")
		So(done, ShouldNotBeNil)
		So(done.ConversationID, ShouldEqual, "conv-new")
		So(done.Usage.TotalTokens, ShouldEqual, 30)

		Convey("收尾与阻塞模式一致", func() {
			msgs := f.convs.messages("conv-new")
			So(len(msgs), ShouldEqual, 2)
			So(msgs[1].Content, ShouldEqual, "流式回复内容")
			So(f.locks.releaseCount(), ShouldEqual, 1)
			So(len(f.gate.debitCalls()), ShouldEqual, 1)
		})
	})

	Convey("流式生成失败降级为兜底文案", t, func() {
		f := newChatFixture(testChatConfig())
		defer f.scheduler.Stop()
		f.model.err = errors.New("upstream down")

		ch, _, err := f.svc.ProcessStream(ctx, &model.ChatRequest{BotID: "bot-1", Message: "你好"})
		So(err, ShouldBeNil)

		var chunks []*model.ChatChunk
		for chunk := range ch {
			chunks = append(chunks, chunk)
		}

		So(len(chunks), ShouldEqual, 2)
		So(chunks[0].Content, ShouldEqual, genericErrorReply)
		So(chunks[1].Done, ShouldBeTrue)
		So(f.locks.releaseCount(), ShouldEqual, 1)
		So(f.convs.status("conv-new"), ShouldEqual, model.ConversationFailed)
	})

	Convey("客户端断开且通道满时流式 goroutine 仍完成收尾", t, func() {
		f := newChatFixture(testChatConfig())
		defer f.scheduler.Stop()
		f.model.responses = []*schema.Message{assistantReply("长回复", 10)}
		// 片段数远超通道缓冲，模拟消费方停止读取后缓冲填满
		f.model.streamParts = 64

		cctx, cancel := context.WithCancel(context.Background())
		ch, _, err := f.svc.ProcessStream(cctx, &model.ChatRequest{BotID: "bot-1", Message: "你好"})
		So(err, ShouldBeNil)

		// 不读取通道，等缓冲填满后模拟客户端断开
		time.Sleep(20 * time.Millisecond)
		cancel()

		deadline := time.Now().Add(time.Second)
		for f.locks.releaseCount() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		So(f.locks.releaseCount(), ShouldEqual, 1)

		// 锁释放后通道必须已关闭，残留的只有缓冲内的片段
		drained := 0
		for range ch {
			drained++
		}
		So(drained, ShouldBeLessThanOrEqualTo, 16)
	})

	Convey("流结束后客户端立刻断开不影响收尾", t, func() {
		f := newChatFixture(testChatConfig())
		defer f.scheduler.Stop()
		f.model.responses = []*schema.Message{assistantReply("完整回复", 12)}

		cctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch, _, err := f.svc.ProcessStream(cctx, &model.ChatRequest{BotID: "bot-1", Message: "你好"})
		So(err, ShouldBeNil)

		var content string
		for chunk := range ch {
			if chunk.Done {
				continue
			}
			content += chunk.Content
			if content == "完整回复" {
				// 全部内容已送达，客户端此时断开
				cancel()
			}
		}

		// 回复已完整生成，扣费与助手消息落库照常执行
		msgs := f.convs.messages("conv-new")
		So(len(msgs), ShouldEqual, 2)
		So(msgs[1].Content, ShouldEqual, "完整回复")
		debits := f.gate.debitCalls()
		So(len(debits), ShouldEqual, 1)
		So(debits[0].ctxErr, ShouldBeNil)
	})

	Convey("计费门控在流式模式下同样前置", t, func() {
		f := newChatFixture(testChatConfig())
		defer f.scheduler.Stop()
		f.gate.checkErr = billing.ErrSubscriptionNotAllowed

		_, _, err := f.svc.ProcessStream(ctx, &model.ChatRequest{BotID: "bot-1", Message: "你好"})
		So(errors.Is(err, billing.ErrSubscriptionNotAllowed), ShouldBeTrue)
		So(f.model.callCount(), ShouldEqual, 0)
	})
}
