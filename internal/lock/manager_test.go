package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"

	"yuzu/internal/pkg/cache"
)

func newTestManager(t *testing.T, maxWait, poll time.Duration) (*Manager, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := cache.NewRedisCacheFromClient(client)

	return NewManager(store, 60*time.Second, maxWait, poll), mr
}

func TestManager_Acquire(t *testing.T) {
	Convey("Acquire 按对话互斥", t, func() {
		m, mr := newTestManager(t, time.Second, 10*time.Millisecond)
		ctx := context.Background()

		Convey("空闲时获取成功", func() {
			So(m.Acquire(ctx, "conv-1"), ShouldBeTrue)
			So(mr.Exists(Key("conv-1")), ShouldBeTrue)
		})

		Convey("已被持有时获取失败", func() {
			So(m.Acquire(ctx, "conv-1"), ShouldBeTrue)
			So(m.Acquire(ctx, "conv-1"), ShouldBeFalse)
		})

		Convey("不同对话互不影响", func() {
			So(m.Acquire(ctx, "conv-1"), ShouldBeTrue)
			So(m.Acquire(ctx, "conv-2"), ShouldBeTrue)
		})

		Convey("TTL 过期后可重新获取", func() {
			So(m.Acquire(ctx, "conv-1"), ShouldBeTrue)
			mr.FastForward(61 * time.Second)
			So(m.Acquire(ctx, "conv-1"), ShouldBeTrue)
		})
	})
}

func TestManager_Release(t *testing.T) {
	Convey("Release 幂等释放", t, func() {
		m, mr := newTestManager(t, time.Second, 10*time.Millisecond)
		ctx := context.Background()

		So(m.Acquire(ctx, "conv-1"), ShouldBeTrue)
		m.Release(ctx, "conv-1")
		So(mr.Exists(Key("conv-1")), ShouldBeFalse)

		Convey("重复释放不报错", func() {
			m.Release(ctx, "conv-1")
			So(mr.Exists(Key("conv-1")), ShouldBeFalse)
		})
	})
}

func TestManager_WaitUntilFree(t *testing.T) {
	Convey("WaitUntilFree 等待锁释放", t, func() {
		ctx := context.Background()

		Convey("锁空闲时立即返回", func() {
			m, _ := newTestManager(t, time.Second, 10*time.Millisecond)
			start := time.Now()
			m.WaitUntilFree(ctx, "conv-1")
			So(time.Since(start), ShouldBeLessThan, 100*time.Millisecond)
		})

		Convey("持有者释放后返回", func() {
			m, _ := newTestManager(t, time.Second, 10*time.Millisecond)
			So(m.Acquire(ctx, "conv-1"), ShouldBeTrue)

			go func() {
				time.Sleep(50 * time.Millisecond)
				m.Release(ctx, "conv-1")
			}()

			m.WaitUntilFree(ctx, "conv-1")
			So(m.Acquire(ctx, "conv-1"), ShouldBeTrue)
		})

		Convey("预算耗尽时强制接管，key 被删除", func() {
			m, mr := newTestManager(t, 100*time.Millisecond, 20*time.Millisecond)
			So(m.Acquire(ctx, "conv-1"), ShouldBeTrue)

			start := time.Now()
			m.WaitUntilFree(ctx, "conv-1")

			// 阻塞不超过 maxWait + pollInterval
			So(time.Since(start), ShouldBeLessThan, 200*time.Millisecond)
			So(mr.Exists(Key("conv-1")), ShouldBeFalse)
		})

		Convey("context 取消时返回", func() {
			m, _ := newTestManager(t, 10*time.Second, 50*time.Millisecond)
			So(m.Acquire(ctx, "conv-1"), ShouldBeTrue)

			cctx, cancel := context.WithCancel(ctx)
			go func() {
				time.Sleep(30 * time.Millisecond)
				cancel()
			}()

			start := time.Now()
			m.WaitUntilFree(cctx, "conv-1")
			So(time.Since(start), ShouldBeLessThan, time.Second)
		})
	})
}
