package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson"

	"yuzu/internal/model"
	"yuzu/internal/repository"
)

// BotHandler 机器人管理处理器
type BotHandler struct {
	repo *repository.BotRepo
}

// NewBotHandler 创建机器人管理处理器
func NewBotHandler(repo *repository.BotRepo) *BotHandler {
	return &BotHandler{repo: repo}
}

type createBotRequest struct {
	OrgID          string   `json:"org_id" binding:"required"`
	Name           string   `json:"name" binding:"required"`
	SystemPrompt   string   `json:"system_prompt"`
	Model          string   `json:"model"`
	EnabledTools   []string `json:"enabled_tools"`
	KnowledgeBases []string `json:"knowledge_bases"`
}

// Create 创建机器人
func (h *BotHandler) Create(c *gin.Context) {
	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40001,
			Message: "Invalid request body",
			Detail:  err.Error(),
		})
		return
	}

	bot := &model.Bot{
		OrgID:          req.OrgID,
		Name:           req.Name,
		SystemPrompt:   req.SystemPrompt,
		Model:          req.Model,
		EnabledTools:   req.EnabledTools,
		KnowledgeBases: req.KnowledgeBases,
	}

	if err := h.repo.Create(c.Request.Context(), bot); err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Failed to create bot",
			Detail:  err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, bot)
}

// List 获取组织的机器人列表
func (h *BotHandler) List(c *gin.Context) {
	orgID := c.Query("org_id")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40002,
			Message: "org_id is required",
		})
		return
	}

	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "20"), 10, 64)
	offset, _ := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	bots, err := h.repo.ListByOrgID(c.Request.Context(), orgID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Failed to list bots",
			Detail:  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bots":  bots,
		"total": len(bots),
	})
}

// Get 获取机器人详情
func (h *BotHandler) Get(c *gin.Context) {
	id := c.Param("id")

	bot, err := h.repo.FindByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Code:    40401,
			Message: "Bot not found",
		})
		return
	}

	c.JSON(http.StatusOK, bot)
}

type updateBotRequest struct {
	Name           *string   `json:"name"`
	SystemPrompt   *string   `json:"system_prompt"`
	Model          *string   `json:"model"`
	EnabledTools   *[]string `json:"enabled_tools"`
	KnowledgeBases *[]string `json:"knowledge_bases"`
	Paused         *bool     `json:"paused"`
}

// Update 更新机器人配置（只更新请求携带的字段）
func (h *BotHandler) Update(c *gin.Context) {
	id := c.Param("id")

	var req updateBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40001,
			Message: "Invalid request body",
			Detail:  err.Error(),
		})
		return
	}

	update := bson.M{}
	if req.Name != nil {
		update["name"] = *req.Name
	}
	if req.SystemPrompt != nil {
		update["system_prompt"] = *req.SystemPrompt
	}
	if req.Model != nil {
		update["model"] = *req.Model
	}
	if req.EnabledTools != nil {
		update["enabled_tools"] = *req.EnabledTools
	}
	if req.KnowledgeBases != nil {
		update["knowledge_bases"] = *req.KnowledgeBases
	}
	if req.Paused != nil {
		update["paused"] = *req.Paused
	}
	if len(update) == 0 {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40003,
			Message: "Nothing to update",
		})
		return
	}

	if err := h.repo.Update(c.Request.Context(), id, update); err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Failed to update bot",
			Detail:  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Bot updated"})
}
