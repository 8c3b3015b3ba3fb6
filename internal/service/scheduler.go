package service

import (
	"sync"
	"time"
)

// CompletionScheduler 对话完成调度器
// 成功的助手回合之后延迟若干秒再把对话置为 completed，
// 期间若有新的用户消息到达则取消，避免把还在进行的回合提前关闭。
// 用显式的延迟任务而不是裸定时器，方便测试时注入零延迟
type CompletionScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewCompletionScheduler 创建完成调度器
func NewCompletionScheduler() *CompletionScheduler {
	return &CompletionScheduler{
		timers: make(map[string]*time.Timer),
	}
}

// Schedule 在 delay 之后执行 fn，同一对话的旧任务被替换
func (s *CompletionScheduler) Schedule(conversationID string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[conversationID]; ok {
		t.Stop()
	}

	s.timers[conversationID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, conversationID)
		s.mu.Unlock()
		fn()
	})
}

// Cancel 取消对话的待执行任务，返回是否确实取消了任务
func (s *CompletionScheduler) Cancel(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[conversationID]
	if !ok {
		return false
	}
	delete(s.timers, conversationID)
	return t.Stop()
}

// Stop 取消全部待执行任务（进程退出时调用）
func (s *CompletionScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
