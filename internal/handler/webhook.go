package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"yuzu/internal/model"
	"yuzu/internal/service"
)

// WebhookHandler 渠道回调入口
// 渠道消息走与 API 相同的处理管线，原始载荷透传给工具执行上下文
type WebhookHandler struct {
	chatService *service.ChatService
}

// NewWebhookHandler 创建渠道回调处理器
func NewWebhookHandler(chatService *service.ChatService) *WebhookHandler {
	return &WebhookHandler{chatService: chatService}
}

type webhookEnvelope struct {
	Message        string         `json:"message" binding:"required"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	Payload        map[string]any `json:"payload"`
}

// Receive 接收渠道消息
// 渠道侧只关心投递是否成功，机器人暂停与人工接管都按 200 吞掉
func (h *WebhookHandler) Receive(c *gin.Context) {
	botID := c.Param("bot_id")

	var envelope webhookEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40001,
			Message: "Invalid webhook payload",
			Detail:  err.Error(),
		})
		return
	}

	req := &model.ChatRequest{
		BotID:          botID,
		Message:        envelope.Message,
		ConversationID: envelope.ConversationID,
		UserID:         envelope.UserID,
		Source:         model.SourceWebhook,
		WebhookPayload: envelope.Payload,
	}

	resp, err := h.chatService.Process(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrBotPaused) || errors.Is(err, service.ErrConversationPaused) {
			c.JSON(http.StatusOK, gin.H{"handled": false, "reason": err.Error()})
			return
		}
		writeChatError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"handled":         true,
		"message":         resp.Message,
		"conversation_id": resp.ConversationID,
	})
}
