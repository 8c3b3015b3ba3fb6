package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"yuzu/internal/billing"
	"yuzu/internal/model"
	"yuzu/internal/service"
)

// ChatHandler 对话处理器
type ChatHandler struct {
	chatService *service.ChatService
}

// NewChatHandler 创建对话处理器
func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// Chat 对话接口（阻塞模式）
// @Summary 发送消息并等待完整回复
// @Tags chat
// @Accept json
// @Produce json
// @Param request body model.ChatRequest true "对话请求"
// @Success 200 {object} model.ChatResponse
// @Failure 400 {object} model.ErrorResponse
// @Failure 402 {object} model.ErrorResponse
// @Failure 409 {object} model.ErrorResponse
// @Router /api/v1/chat [post]
func (h *ChatHandler) Chat(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40001,
			Message: "Invalid request body",
			Detail:  err.Error(),
		})
		return
	}
	if req.Source == "" {
		req.Source = model.SourceAPI
	}

	resp, err := h.chatService.Process(c.Request.Context(), &req)
	if err != nil {
		writeChatError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ChatStream 流式对话接口 (SSE)
// @Summary 发送消息并以 SSE 流式接收回复
// @Tags chat
// @Accept json
// @Produce text/event-stream
// @Param request body model.ChatRequest true "对话请求"
// @Success 200 {object} model.ChatChunk
// @Failure 400 {object} model.ErrorResponse
// @Router /api/v1/chat/stream [post]
func (h *ChatHandler) ChatStream(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40001,
			Message: "Invalid request body",
			Detail:  err.Error(),
		})
		return
	}
	if req.Source == "" {
		req.Source = model.SourceAPI
	}

	ch, _, err := h.chatService.ProcessStream(c.Request.Context(), &req)
	if err != nil {
		writeChatError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		chunk, ok := <-ch
		if !ok {
			return false
		}
		if chunk.Done {
			c.SSEvent("done", chunk)
			return false
		}
		c.SSEvent("message", chunk)
		return true
	})
}

// writeChatError 对话错误到 HTTP 响应的映射
func writeChatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, billing.ErrSubscriptionNotAllowed):
		c.JSON(http.StatusPaymentRequired, model.ErrorResponse{
			Code:    40201,
			Message: "Subscription does not allow chat processing",
		})
	case errors.Is(err, billing.ErrInsufficientCredit):
		c.JSON(http.StatusPaymentRequired, model.ErrorResponse{
			Code:    40202,
			Message: "Insufficient credits",
		})
	case errors.Is(err, service.ErrBotPaused):
		c.JSON(http.StatusConflict, model.ErrorResponse{
			Code:    40901,
			Message: "Bot auto-response is paused",
		})
	case errors.Is(err, service.ErrConversationPaused):
		c.JSON(http.StatusConflict, model.ErrorResponse{
			Code:    40902,
			Message: "Conversation is taken over by a human agent",
		})
	case errors.Is(err, service.ErrBotNotFound):
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Code:    40401,
			Message: "Bot not found",
		})
	default:
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Chat processing failed",
			Detail:  err.Error(),
		})
	}
}
