package lock

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"yuzu/internal/pkg/cache"
	"yuzu/internal/pkg/id"
)

// 对话锁 key 前缀
const keyPrefix = "chat_processing:"

// Store 锁存储能力（带过期时间的共享 KV）
type Store interface {
	SetIfAbsent(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// 确认 RedisCache 满足 Store
var _ Store = (*cache.RedisCache)(nil)

// Manager 对话锁管理器
// 基于共享 KV 的带过期 key 实现按对话互斥，保证是尽力而为的：
// 存储故障时放行请求，可用性优先于严格串行化
type Manager struct {
	store        Store
	ttl          time.Duration // 锁过期时间，持有者崩溃后自动解除
	maxWait      time.Duration // 等待上限，超时后强制接管
	pollInterval time.Duration
}

// NewManager 创建对话锁管理器
func NewManager(store Store, ttl, maxWait, pollInterval time.Duration) *Manager {
	return &Manager{
		store:        store,
		ttl:          ttl,
		maxWait:      maxWait,
		pollInterval: pollInterval,
	}
}

// Key 返回对话锁的存储 key
func Key(conversationID string) string {
	return keyPrefix + conversationID
}

// Acquire 尝试获取对话锁
// key 不存在时原子设置并返回 true；存储出错时记录日志并放行（视为已获取）
func (m *Manager) Acquire(ctx context.Context, conversationID string) bool {
	ok, err := m.store.SetIfAbsent(ctx, Key(conversationID), id.New(), m.ttl)
	if err != nil {
		log.Warn().Err(err).
			Str("conversation_id", conversationID).
			Msg("lock acquire failed, proceeding without lock")
		return true
	}
	return ok
}

// WaitUntilFree 等待对话锁释放
// 轮询直到 key 不存在；等待预算耗尽时强制删除 key（视持有者为已死）并返回。
// 强制接管牺牲了严格互斥换取有界延迟，单独记录日志以便排查
func (m *Manager) WaitUntilFree(ctx context.Context, conversationID string) {
	key := Key(conversationID)
	deadline := time.Now().Add(m.maxWait)

	for {
		exists, err := m.store.Exists(ctx, key)
		if err != nil {
			log.Warn().Err(err).
				Str("conversation_id", conversationID).
				Msg("lock poll failed, proceeding without lock")
			return
		}
		if !exists {
			return
		}

		if time.Now().After(deadline) {
			log.Warn().
				Str("conversation_id", conversationID).
				Dur("max_wait", m.maxWait).
				Msg("lock wait timed out, forced takeover")
			if err := m.store.Delete(ctx, key); err != nil {
				log.Warn().Err(err).
					Str("conversation_id", conversationID).
					Msg("forced lock delete failed")
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.pollInterval):
		}
	}
}

// Release 释放对话锁
// 删除不存在的 key 不是错误，可重复调用
func (m *Manager) Release(ctx context.Context, conversationID string) {
	if err := m.store.Delete(ctx, Key(conversationID)); err != nil {
		log.Warn().Err(err).
			Str("conversation_id", conversationID).
			Msg("lock release failed")
	}
}
