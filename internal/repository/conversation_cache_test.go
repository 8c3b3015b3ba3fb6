package repository

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"

	"yuzu/internal/model"
	"yuzu/internal/pkg/cache"
)

// memConvBackend 内存对话存储，统计回源次数
type memConvBackend struct {
	mu    sync.Mutex
	convs map[string]*model.Conversation
	finds int
}

func newMemConvBackend() *memConvBackend {
	return &memConvBackend{convs: map[string]*model.Conversation{}}
}

func (m *memConvBackend) Create(ctx context.Context, conv *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[conv.ID] = conv
	return nil
}

func (m *memConvBackend) FindByID(ctx context.Context, convID string) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finds++
	conv, ok := m.convs[convID]
	if !ok {
		return nil, errors.New("not found")
	}
	copied := *conv
	copied.Messages = append([]model.Message(nil), conv.Messages...)
	return &copied, nil
}

func (m *memConvBackend) AppendMessage(ctx context.Context, convID string, msg model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[convID]
	if !ok {
		return errors.New("not found")
	}
	conv.Messages = append(conv.Messages, msg)
	return nil
}

func (m *memConvBackend) SetStatus(ctx context.Context, convID string, status model.ConversationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.convs[convID]; ok {
		conv.Status = status
	}
	return nil
}

func (m *memConvBackend) SetPaused(ctx context.Context, convID string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.convs[convID]; ok {
		conv.Paused = paused
	}
	return nil
}

func (m *memConvBackend) ListByBotID(ctx context.Context, botID string, limit, offset int64) ([]*model.Conversation, error) {
	return nil, nil
}

func (m *memConvBackend) Delete(ctx context.Context, convID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, convID)
	return nil
}

func (m *memConvBackend) findCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finds
}

func newCachedRepo(t *testing.T) (*CachedConversationRepo, *memConvBackend, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rc := cache.NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	backend := newMemConvBackend()
	return NewCachedConversationRepo(backend, rc), backend, mr
}

func TestCachedConversationRepo(t *testing.T) {
	ctx := context.Background()

	Convey("读穿缓存", t, func() {
		repo, backend, mr := newCachedRepo(t)
		So(repo.Create(ctx, &model.Conversation{ID: "conv-1", BotID: "bot-1"}), ShouldBeNil)

		Convey("首次读取回源并写缓存，再次读取命中缓存", func() {
			conv, err := repo.FindByID(ctx, "conv-1")
			So(err, ShouldBeNil)
			So(conv.ID, ShouldEqual, "conv-1")
			So(backend.findCount(), ShouldEqual, 1)
			So(mr.Exists(cache.ConversationCacheKey("conv-1")), ShouldBeTrue)

			again, err := repo.FindByID(ctx, "conv-1")
			So(err, ShouldBeNil)
			So(again.BotID, ShouldEqual, "bot-1")
			So(backend.findCount(), ShouldEqual, 1)
		})

		Convey("不存在的对话回源返回错误且不写缓存", func() {
			_, err := repo.FindByID(ctx, "conv-missing")
			So(err, ShouldNotBeNil)
			So(mr.Exists(cache.ConversationCacheKey("conv-missing")), ShouldBeFalse)
		})

		Convey("追加消息后缓存失效，下次读取看到新消息", func() {
			_, err := repo.FindByID(ctx, "conv-1")
			So(err, ShouldBeNil)

			So(repo.AppendMessage(ctx, "conv-1", model.Message{Role: "user", Content: "你好"}), ShouldBeNil)
			So(mr.Exists(cache.ConversationCacheKey("conv-1")), ShouldBeFalse)

			conv, err := repo.FindByID(ctx, "conv-1")
			So(err, ShouldBeNil)
			So(len(conv.Messages), ShouldEqual, 1)
			So(backend.findCount(), ShouldEqual, 2)
		})

		Convey("人工接管立即对后续读取可见", func() {
			_, err := repo.FindByID(ctx, "conv-1")
			So(err, ShouldBeNil)

			So(repo.SetPaused(ctx, "conv-1", true), ShouldBeNil)

			conv, err := repo.FindByID(ctx, "conv-1")
			So(err, ShouldBeNil)
			So(conv.Paused, ShouldBeTrue)
		})

		Convey("更新状态与删除都使缓存失效", func() {
			_, err := repo.FindByID(ctx, "conv-1")
			So(err, ShouldBeNil)

			So(repo.SetStatus(ctx, "conv-1", model.ConversationCompleted), ShouldBeNil)
			So(mr.Exists(cache.ConversationCacheKey("conv-1")), ShouldBeFalse)

			_, err = repo.FindByID(ctx, "conv-1")
			So(err, ShouldBeNil)
			So(repo.Delete(ctx, "conv-1"), ShouldBeNil)
			So(mr.Exists(cache.ConversationCacheKey("conv-1")), ShouldBeFalse)
		})

		Convey("缓存不可用时读取落回 Mongo", func() {
			mr.Close()

			conv, err := repo.FindByID(ctx, "conv-1")
			So(err, ShouldBeNil)
			So(conv.ID, ShouldEqual, "conv-1")
		})
	})
}
