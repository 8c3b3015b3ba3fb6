package repository

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"yuzu/internal/model"
	"yuzu/internal/pkg/cache"
)

// ConversationBackend 缓存层回源的对话存储能力
type ConversationBackend interface {
	Create(ctx context.Context, conv *model.Conversation) error
	FindByID(ctx context.Context, convID string) (*model.Conversation, error)
	AppendMessage(ctx context.Context, convID string, msg model.Message) error
	SetStatus(ctx context.Context, convID string, status model.ConversationStatus) error
	SetPaused(ctx context.Context, convID string, paused bool) error
	ListByBotID(ctx context.Context, botID string, limit, offset int64) ([]*model.Conversation, error)
	Delete(ctx context.Context, convID string) error
}

// CachedConversationRepo 带读穿缓存的对话仓库
// 读路径先查 Redis，未命中回源 Mongo 并写缓存；所有写路径使缓存失效，
// 人工接管（SetPaused）必须立即对处理流程可见
// 缓存故障只记录日志，读写落回 Mongo
type CachedConversationRepo struct {
	backend ConversationBackend
	cache   *cache.RedisCache
	ttl     time.Duration
}

// NewCachedConversationRepo 创建带缓存的对话仓库
func NewCachedConversationRepo(backend ConversationBackend, rc *cache.RedisCache) *CachedConversationRepo {
	return &CachedConversationRepo{
		backend: backend,
		cache:   rc,
		ttl:     cache.ConversationCacheTTL,
	}
}

// Create 创建对话，不预热缓存
func (r *CachedConversationRepo) Create(ctx context.Context, conv *model.Conversation) error {
	return r.backend.Create(ctx, conv)
}

// FindByID 查询对话，缓存未命中或读取出错都回源
func (r *CachedConversationRepo) FindByID(ctx context.Context, convID string) (*model.Conversation, error) {
	var cached model.Conversation
	if err := r.cache.Get(ctx, cache.ConversationCacheKey(convID), &cached); err == nil {
		return &cached, nil
	}

	conv, err := r.backend.FindByID(ctx, convID)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, cache.ConversationCacheKey(convID), conv, r.ttl); err != nil {
		log.Warn().Err(err).
			Str("conversation_id", convID).
			Msg("conversation cache set failed")
	}
	return conv, nil
}

// AppendMessage 追加消息并使缓存失效
func (r *CachedConversationRepo) AppendMessage(ctx context.Context, convID string, msg model.Message) error {
	if err := r.backend.AppendMessage(ctx, convID, msg); err != nil {
		return err
	}
	r.invalidate(ctx, convID)
	return nil
}

// SetStatus 更新状态并使缓存失效
func (r *CachedConversationRepo) SetStatus(ctx context.Context, convID string, status model.ConversationStatus) error {
	if err := r.backend.SetStatus(ctx, convID, status); err != nil {
		return err
	}
	r.invalidate(ctx, convID)
	return nil
}

// SetPaused 更新暂停标记并使缓存失效
func (r *CachedConversationRepo) SetPaused(ctx context.Context, convID string, paused bool) error {
	if err := r.backend.SetPaused(ctx, convID, paused); err != nil {
		return err
	}
	r.invalidate(ctx, convID)
	return nil
}

// ListByBotID 列表查询直接落库
func (r *CachedConversationRepo) ListByBotID(ctx context.Context, botID string, limit, offset int64) ([]*model.Conversation, error) {
	return r.backend.ListByBotID(ctx, botID, limit, offset)
}

// Delete 删除对话并使缓存失效
func (r *CachedConversationRepo) Delete(ctx context.Context, convID string) error {
	if err := r.backend.Delete(ctx, convID); err != nil {
		return err
	}
	r.invalidate(ctx, convID)
	return nil
}

func (r *CachedConversationRepo) invalidate(ctx context.Context, convID string) {
	if err := r.cache.Delete(ctx, cache.ConversationCacheKey(convID)); err != nil {
		log.Warn().Err(err).
			Str("conversation_id", convID).
			Msg("conversation cache invalidation failed")
	}
}
