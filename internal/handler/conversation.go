package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"yuzu/internal/model"
)

// ConversationStore 对话管理需要的存储能力
// 接缓存仓库或裸 Mongo 仓库均可，写操作必须同时失效缓存
type ConversationStore interface {
	FindByID(ctx context.Context, convID string) (*model.Conversation, error)
	ListByBotID(ctx context.Context, botID string, limit, offset int64) ([]*model.Conversation, error)
	SetPaused(ctx context.Context, convID string, paused bool) error
	Delete(ctx context.Context, convID string) error
}

// ConversationHandler 对话管理处理器
// 对话由处理流程自动创建，这里只提供查询与人工接管操作
type ConversationHandler struct {
	repo ConversationStore
}

// NewConversationHandler 创建对话管理处理器
func NewConversationHandler(repo ConversationStore) *ConversationHandler {
	return &ConversationHandler{repo: repo}
}

// List 获取机器人的对话列表
func (h *ConversationHandler) List(c *gin.Context) {
	botID := c.Query("bot_id")
	if botID == "" {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40002,
			Message: "bot_id is required",
		})
		return
	}

	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "20"), 10, 64)
	offset, _ := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	convs, err := h.repo.ListByBotID(c.Request.Context(), botID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Failed to list conversations",
			Detail:  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations": convs,
		"total":         len(convs),
	})
}

// Get 获取对话详情（含完整消息历史）
func (h *ConversationHandler) Get(c *gin.Context) {
	id := c.Param("id")

	conv, err := h.repo.FindByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Code:    40401,
			Message: "Conversation not found",
		})
		return
	}

	c.JSON(http.StatusOK, conv)
}

// Pause 人工接管对话，暂停机器人自动回复
func (h *ConversationHandler) Pause(c *gin.Context) {
	h.setPaused(c, true)
}

// Resume 结束人工接管，恢复机器人自动回复
func (h *ConversationHandler) Resume(c *gin.Context) {
	h.setPaused(c, false)
}

func (h *ConversationHandler) setPaused(c *gin.Context, paused bool) {
	id := c.Param("id")

	if err := h.repo.SetPaused(c.Request.Context(), id, paused); err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Failed to update conversation",
			Detail:  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"paused": paused})
}

// Delete 删除对话
func (h *ConversationHandler) Delete(c *gin.Context) {
	id := c.Param("id")

	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Failed to delete conversation",
			Detail:  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Conversation deleted",
	})
}
