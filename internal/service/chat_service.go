package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"yuzu/internal/ai"
	"yuzu/internal/billing"
	"yuzu/internal/config"
	"yuzu/internal/knowledge"
	"yuzu/internal/model"
	"yuzu/internal/tool"
)

var (
	// ErrBotNotFound 机器人不存在
	ErrBotNotFound = errors.New("bot not found")
	// ErrBotPaused 机器人已暂停自动回复
	ErrBotPaused = errors.New("bot auto-response is paused")
	// ErrConversationPaused 对话已暂停自动回复
	ErrConversationPaused = errors.New("conversation auto-response is paused")
)

// 流式模式下生成失败时返回给终端用户的兜底文案
const genericErrorReply = "抱歉，处理您的消息时出现了问题，请稍后再试。"

// BotStore 机器人读取能力
type BotStore interface {
	FindByID(ctx context.Context, id string) (*model.Bot, error)
}

// ConversationStore 对话读写能力
type ConversationStore interface {
	Create(ctx context.Context, conv *model.Conversation) error
	FindByID(ctx context.Context, id string) (*model.Conversation, error)
	AppendMessage(ctx context.Context, id string, msg model.Message) error
	SetStatus(ctx context.Context, id string, status model.ConversationStatus) error
}

// ModelClient 模型生成能力
type ModelClient interface {
	Generate(ctx context.Context, messages []*schema.Message, opts *ai.CallOptions) (*schema.Message, error)
	Stream(ctx context.Context, messages []*schema.Message, opts *ai.CallOptions) (*schema.StreamReader[*schema.Message], error)
}

// ConversationLocker 对话锁能力
type ConversationLocker interface {
	Acquire(ctx context.Context, conversationID string) bool
	WaitUntilFree(ctx context.Context, conversationID string)
	Release(ctx context.Context, conversationID string)
}

// KnowledgeRetriever 知识检索能力
type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, knowledgeBases []string, query string, topK int) *knowledge.Context
}

// ToolProvider 工具集构造能力
type ToolProvider interface {
	BuildEnabledSet(ctx context.Context, bot *model.Bot, ec *tool.ExecContext) tool.EnabledSet
}

// ChatService 对话处理编排器 - 业务逻辑层
// 职责: 按对话加锁 -> 组装上下文与工具集 -> 驱动生成与有界工具循环 -> 恰好一次收尾
type ChatService struct {
	bots      BotStore
	convs     ConversationStore
	locks     ConversationLocker
	gate      billing.Gate
	retriever KnowledgeRetriever
	tools     ToolProvider
	model     ModelClient
	scheduler *CompletionScheduler
	cfg       config.ChatConfig
}

// NewChatService 创建对话处理编排器
func NewChatService(
	bots BotStore,
	convs ConversationStore,
	locks ConversationLocker,
	gate billing.Gate,
	retriever KnowledgeRetriever,
	tools ToolProvider,
	modelClient ModelClient,
	scheduler *CompletionScheduler,
	cfg config.ChatConfig,
) *ChatService {
	return &ChatService{
		bots:      bots,
		convs:     convs,
		locks:     locks,
		gate:      gate,
		retriever: retriever,
		tools:     tools,
		model:     modelClient,
		scheduler: scheduler,
		cfg:       cfg,
	}
}

// turnState 一次请求的处理状态，prepare 构造后贯穿到收尾
type turnState struct {
	req          *model.ChatRequest
	bot          *model.Bot
	convID       string // 为空表示对话创建失败，本次不持久化
	locked       bool
	history      []*schema.Message
	enabled      tool.EnabledSet
	toolInfos    []*schema.ToolInfo
	kctx         *knowledge.Context
	systemPrompt string
	modelID      string
	startedAt    time.Time
	logger       zerolog.Logger
}

// messages 组装本轮模型调用的初始消息序列
func (st *turnState) messages() []*schema.Message {
	msgs := make([]*schema.Message, 0, len(st.history)+2)
	msgs = append(msgs, schema.SystemMessage(st.systemPrompt))
	msgs = append(msgs, st.history...)
	msgs = append(msgs, schema.UserMessage(st.req.Message))
	return msgs
}

// turnResult 一次助手回合的最终产物，恰好持久化一次
type turnResult struct {
	text  string
	trace []model.ToolCallRecord
	usage *model.TokenUsage
}

// Process 阻塞模式处理对话请求
// 完整收尾（持久化、扣费、完成调度）结束后才返回
func (s *ChatService) Process(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	st, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	defer s.unlock(st)

	result, err := s.generate(ctx, st, nil)
	if err != nil {
		st.logger.Error().Err(err).Msg("generation failed")
		s.markFailed(st)
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	processingMs := s.finalize(ctx, st, result)

	return &model.ChatResponse{
		Message:             result.text,
		ConversationID:      st.convID,
		Usage:               result.usage,
		ToolCalls:           result.trace,
		HasKnowledgeContext: st.kctx.HasContext,
		ProcessingTimeMs:    processingMs,
	}, nil
}

// ProcessStream 流式模式处理对话请求
// 立即返回片段通道与对话 ID；收尾在流结束后异步执行，不阻塞调用方
func (s *ChatService) ProcessStream(ctx context.Context, req *model.ChatRequest) (<-chan *model.ChatChunk, string, error) {
	st, err := s.prepare(ctx, req)
	if err != nil {
		return nil, "", err
	}

	ch := make(chan *model.ChatChunk, 16)

	go func() {
		defer close(ch)
		defer s.unlock(st)

		result, err := s.generate(ctx, st, ch)
		if err != nil {
			st.logger.Error().Err(err).Msg("streaming generation failed")
			s.markFailed(st)
			// 已向用户承诺流式响应，降级为兜底文案而不是断流
			sendChunk(ctx, ch, &model.ChatChunk{Content: genericErrorReply})
			sendChunk(ctx, ch, &model.ChatChunk{Done: true, ConversationID: st.convID})
			return
		}

		// 回复已完整生成，收尾不受客户端断开影响
		bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.finalize(bg, st, result)
		cancel()

		sendChunk(ctx, ch, &model.ChatChunk{
			Done:           true,
			ConversationID: st.convID,
			Usage:          result.usage,
		})
	}()

	return ch, st.convID, nil
}

// prepare 生成前的全部准备: 机器人解析、计费门控、对话解析、加锁、
// 用户消息落库、知识检索、工具集与系统提示词组装
// 返回错误即致命（请求中止，无对话变更、未加锁）
func (s *ChatService) prepare(ctx context.Context, req *model.ChatRequest) (*turnState, error) {
	bot, err := s.bots.FindByID(ctx, req.BotID)
	if err != nil {
		log.Warn().Err(err).Str("bot_id", req.BotID).Msg("bot lookup failed")
		return nil, fmt.Errorf("%w: %s", ErrBotNotFound, req.BotID)
	}
	if bot.Paused {
		return nil, ErrBotPaused
	}

	modelID := req.Model
	if modelID == "" {
		modelID = bot.Model
	}

	// 计费门控先于任何模型调用、任何对话变更、任何加锁
	if err := s.gate.Check(ctx, bot.OrgID, modelID); err != nil {
		return nil, err
	}

	st := &turnState{
		req:       req,
		bot:       bot,
		modelID:   modelID,
		startedAt: time.Now(),
		logger: log.With().
			Str("bot_id", bot.ID).
			Str("source", req.Source.String()).
			Logger(),
	}

	if err := s.resolveConversation(ctx, st); err != nil {
		return nil, err
	}
	st.logger = st.logger.With().Str("conversation_id", st.convID).Logger()

	if st.convID != "" {
		// 新的用户回合到达，撤销待执行的完成转换
		s.scheduler.Cancel(st.convID)

		// 等待同对话的在途处理，然后为本次处理窗口加锁
		s.locks.WaitUntilFree(ctx, st.convID)
		if s.locks.Acquire(ctx, st.convID) {
			st.locked = true
		} else {
			// 等待后仍被别人抢先，放弃加锁继续处理，不能在释放时误删他人的锁
			st.logger.Warn().Msg("lock acquisition failed, proceeding unlocked")
		}

		// 用户消息在加锁后、模型调用前立即落库，生成中途崩溃也不丢
		userMsg := model.Message{Role: "user", Content: req.Message, Timestamp: time.Now()}
		if err := s.convs.AppendMessage(ctx, st.convID, userMsg); err != nil {
			st.logger.Warn().Err(err).Msg("failed to persist user message")
		}
	}

	// 机器人配置了知识库且当前回合有用户消息时才检索
	st.kctx = knowledge.Empty()
	if st.bot.HasKnowledge() && req.Message != "" {
		st.kctx = s.retriever.Retrieve(ctx, st.bot.KnowledgeBases, req.Message, s.cfg.KnowledgeTopK)
	}

	ec := &tool.ExecContext{
		OrgID:          bot.OrgID,
		BotID:          bot.ID,
		ConversationID: st.convID,
		UserID:         req.UserID,
		WebhookPayload: req.WebhookPayload,
	}
	st.enabled = s.tools.BuildEnabledSet(ctx, bot, ec)
	st.toolInfos = st.enabled.ToolInfos()

	st.systemPrompt = buildSystemPrompt(bot.SystemPrompt, st.kctx.PromptBlock(), st.enabled, time.Now())

	return st, nil
}

// resolveConversation 解析或创建对话
// 提供的 ID 查不到、或创建失败都不致命：记录日志，本次不持久化历史
// 对话被人工接管（Paused）时返回 ErrConversationPaused，机器人不回复
func (s *ChatService) resolveConversation(ctx context.Context, st *turnState) error {
	if st.req.ConversationID != "" {
		conv, err := s.convs.FindByID(ctx, st.req.ConversationID)
		if err == nil {
			if conv.Paused {
				return ErrConversationPaused
			}
			st.convID = conv.ID
			st.history = historyMessages(conv)
			return nil
		}
		st.logger.Warn().Err(err).
			Str("requested_conversation_id", st.req.ConversationID).
			Msg("conversation not found, creating a new one")
	}

	source := st.req.Source
	if source == "" {
		source = model.SourceAPI
	}
	conv := &model.Conversation{
		BotID:  st.bot.ID,
		OrgID:  st.bot.OrgID,
		UserID: st.req.UserID,
		Source: source,
		Model:  st.modelID,
		Status: model.ConversationActive,
	}
	if err := s.convs.Create(ctx, conv); err != nil {
		st.logger.Warn().Err(err).Msg("conversation creation failed, continuing without persistence")
		return nil
	}
	st.convID = conv.ID
	return nil
}

// generate 驱动生成与有界工具循环，阻塞与流式共用
// ch 非 nil 时增量内容写入通道（流式模式）
func (s *ChatService) generate(ctx context.Context, st *turnState, ch chan<- *model.ChatChunk) (*turnResult, error) {
	msgs := st.messages()
	result := &turnResult{usage: &model.TokenUsage{}}
	opts := &ai.CallOptions{Model: st.modelID, Tools: st.toolInfos}

	for round := 0; round < s.cfg.MaxToolRounds; round++ {
		var out *schema.Message
		var err error
		if ch != nil {
			out, err = s.streamRound(ctx, msgs, opts, ch)
		} else {
			out, err = s.model.Generate(ctx, msgs, opts)
		}
		if err != nil {
			return nil, err
		}

		accumulateUsage(result.usage, out)

		if len(out.ToolCalls) == 0 {
			result.text = out.Content
			return result, nil
		}

		// 模型请求了工具调用: 逐个分发，把结果作为 tool 消息回灌给模型
		msgs = append(msgs, out)
		for _, tc := range out.ToolCalls {
			rec, toolMsg := s.dispatchToolCall(ctx, st, tc)
			result.trace = append(result.trace, rec)
			msgs = append(msgs, toolMsg)
		}
		result.text = out.Content
	}

	st.logger.Warn().
		Int("max_rounds", s.cfg.MaxToolRounds).
		Msg("tool round limit reached, returning last content")
	return result, nil
}

// streamRound 单轮流式生成: 增量转发内容，结束后合并成完整消息
func (s *ChatService) streamRound(ctx context.Context, msgs []*schema.Message, opts *ai.CallOptions, ch chan<- *model.ChatChunk) (*schema.Message, error) {
	sr, err := s.model.Stream(ctx, msgs, opts)
	if err != nil {
		return nil, err
	}
	defer sr.Close()

	var parts []*schema.Message
	for {
		part, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
		if part.Content != "" {
			select {
			case ch <- &model.ChatChunk{Content: part.Content}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return schema.ConcatMessages(parts)
}

// dispatchToolCall 分发单个工具调用
// 执行失败以结构化工具结果的形式回到模型，绝不向上抛错；编排器不自动重试
func (s *ChatService) dispatchToolCall(ctx context.Context, st *turnState, tc schema.ToolCall) (model.ToolCallRecord, *schema.Message) {
	key := tc.Function.Name

	var result *tool.Result
	enabled, ok := st.enabled[key]
	if !ok {
		result = &tool.Result{OK: false, Error: fmt.Sprintf("unknown tool %q", key)}
	} else {
		result = enabled.Invoke(ctx, tc.Function.Arguments)
	}

	rec := model.ToolCallRecord{
		Key:       key,
		Arguments: tc.Function.Arguments,
		Result:    result.Content,
		OK:        result.OK,
		Error:     result.Error,
	}
	if ok {
		rec.ToolID = enabled.ToolID
		rec.Function = enabled.Function
	}

	event := st.logger.Debug()
	if !result.OK {
		event = st.logger.Warn()
	}
	event.Str("tool_key", key).Bool("ok", result.OK).Msg("tool call dispatched")

	return rec, schema.ToolMessage(result.Text(), tc.ID)
}

// finalize 收尾处理，阻塞与流式共用
// 扣费、助手消息落库、完成调度；每一步失败只记录，不回滚已交付的回复
// 返回记录的处理耗时（已按上限截断）
func (s *ChatService) finalize(ctx context.Context, st *turnState, result *turnResult) int64 {
	processingMs := time.Since(st.startedAt).Milliseconds()
	if processingMs > s.cfg.ProcessingTimeCapMs {
		processingMs = s.cfg.ProcessingTimeCapMs
	}

	meta := &billing.DebitMeta{
		BotID:          st.bot.ID,
		ConversationID: st.convID,
		Source:         st.req.Source,
	}
	if err := s.gate.Debit(ctx, st.bot.OrgID, st.modelID, result.usage.TotalTokens, meta); err != nil {
		st.logger.Error().Err(err).Msg("credit debit failed")
	}

	if st.convID != "" {
		assistantMsg := model.Message{
			Role:             "assistant",
			Content:          result.text,
			Timestamp:        time.Now(),
			TokenUsage:       result.usage,
			ToolCalls:        result.trace,
			Knowledge:        st.kctx.Summary(),
			ProcessingTimeMs: processingMs,
		}
		if err := s.convs.AppendMessage(ctx, st.convID, assistantMsg); err != nil {
			st.logger.Error().Err(err).Msg("failed to persist assistant message")
		}

		// 延迟转为 completed，给快速追问留出窗口；新用户回合会取消该任务
		convID := st.convID
		s.scheduler.Schedule(convID, s.cfg.CompleteDelay, func() {
			bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.convs.SetStatus(bg, convID, model.ConversationCompleted); err != nil {
				log.Warn().Err(err).
					Str("conversation_id", convID).
					Msg("failed to mark conversation completed")
			}
		})
	}

	st.logger.Info().
		Int("prompt_tokens", result.usage.PromptTokens).
		Int("completion_tokens", result.usage.CompletionTokens).
		Int("tool_calls", len(result.trace)).
		Bool("has_knowledge", st.kctx.HasContext).
		Int64("processing_ms", processingMs).
		Msg("chat turn finalized")

	return processingMs
}

// sendChunk 向流式通道写入片段
// 客户端断开后无人消费通道，必须响应 ctx 取消，否则 goroutine 与对话锁一起泄漏
func sendChunk(ctx context.Context, ch chan<- *model.ChatChunk, chunk *model.ChatChunk) {
	select {
	case ch <- chunk:
	case <-ctx.Done():
	}
}

// markFailed 生成失败后把对话标记为 failed
// failed 对话不拒绝后续用户回合，下一次成功收尾会重新调度 completed
func (s *ChatService) markFailed(st *turnState) {
	if st.convID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.convs.SetStatus(ctx, st.convID, model.ConversationFailed); err != nil {
		st.logger.Warn().Err(err).Msg("failed to mark conversation failed")
	}
}

// unlock 释放对话锁，成功失败路径都会经过
func (s *ChatService) unlock(st *turnState) {
	if !st.locked || st.convID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.locks.Release(ctx, st.convID)
	st.locked = false
}

// historyMessages 将持久化的对话历史转为模型消息
// 工具调用轨迹随助手消息存档，不作为独立回合回灌
func historyMessages(conv *model.Conversation) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		switch m.Role {
		case "user":
			msgs = append(msgs, schema.UserMessage(m.Content))
		case "assistant":
			if m.Content != "" {
				msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
			}
		}
	}
	return msgs
}

// accumulateUsage 累计多轮调用的 token 用量
func accumulateUsage(total *model.TokenUsage, out *schema.Message) {
	if out == nil || out.ResponseMeta == nil || out.ResponseMeta.Usage == nil {
		return
	}
	u := out.ResponseMeta.Usage
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
}
