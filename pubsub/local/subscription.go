package local

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/uniyakcom/pubcap/core"
	"github.com/uniyakcom/pubcap/message"
)

// handlerEntry 注册的投递回调
type handlerEntry struct {
	id uint64
	fn core.Handler
}

var handlerID atomic.Uint64

// SubscriptionStats 订阅运行时统计
type SubscriptionStats struct {
	Delivered int64 // 已投递给回调的消息数
	Acked     int64 // 已确认的消息数
	Nacked    int64 // 被拒绝的消息数（含回调 panic）
	Pending   int64 // 队列中等待投递的消息数
}

// Subscription 进程内订阅
//
// 消息按发布顺序进入队列，由单个投递循环串行交给全部回调。
// 没有回调时消息保留在队列中，直到有回调注册或订阅被删除。
type Subscription struct {
	topic *Topic
	name  string

	// 回调 CoW 快照：On/Off 写时复制，投递路径无锁读取
	handlers atomic.Pointer[[]handlerEntry]
	hmu      sync.Mutex

	mu      sync.Mutex
	queue   []*message.Message
	running bool
	done    chan struct{}
	exited  chan struct{}
	deleted bool

	signal chan struct{} // 容量 1：有新消息或新回调

	delivered atomic.Int64
	acked     atomic.Int64
	nacked    atomic.Int64
}

var _ core.Subscription = (*Subscription)(nil)

func newSubscription(t *Topic, name string) *Subscription {
	s := &Subscription{
		topic:  t,
		name:   name,
		signal: make(chan struct{}, 1),
	}
	empty := make([]handlerEntry, 0)
	s.handlers.Store(&empty)
	return s
}

// Name 返回订阅名称（设置 Project 时为完整路径）
func (s *Subscription) Name() string {
	return s.topic.broker.fullName("subscriptions", s.name)
}

// On 注册投递回调，回调经代理配置的中间件包装。
func (s *Subscription) On(handler core.Handler) uint64 {
	id := handlerID.Add(1)
	handler = core.Chain(handler, s.topic.broker.mws...)

	s.hmu.Lock()
	old := *s.handlers.Load()
	next := make([]handlerEntry, len(old), len(old)+1)
	copy(next, old)
	next = append(next, handlerEntry{id: id, fn: handler})
	s.handlers.Store(&next)
	s.hmu.Unlock()

	s.notify()
	return id
}

// Off 注销投递回调。无效 ID 忽略。
func (s *Subscription) Off(id uint64) {
	s.hmu.Lock()
	defer s.hmu.Unlock()

	old := *s.handlers.Load()
	next := make([]handlerEntry, 0, len(old))
	for _, h := range old {
		if h.id != id {
			next = append(next, h)
		}
	}
	s.handlers.Store(&next)
}

// Stats 返回运行时统计
func (s *Subscription) Stats() SubscriptionStats {
	s.mu.Lock()
	pending := int64(len(s.queue))
	s.mu.Unlock()
	return SubscriptionStats{
		Delivered: s.delivered.Load(),
		Acked:     s.acked.Load(),
		Nacked:    s.nacked.Load(),
		Pending:   pending,
	}
}

// start 启动投递循环（已运行时无操作）。协程池已满时返回
// ants.ErrPoolOverload 并恢复为未运行状态。
func (s *Subscription) start() error {
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrSubscriptionNotFound, s.name)
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	s.running = true
	s.done = done
	s.exited = exited
	s.mu.Unlock()

	// Submit 不持有 s.mu
	if err := s.topic.broker.pool.Submit(func() { s.loop(done, exited) }); err != nil {
		s.mu.Lock()
		if s.done == done {
			s.running = false
			s.done = nil
			s.exited = nil
		}
		s.mu.Unlock()
		close(exited)
		return fmt.Errorf("local: start subscription %s: %w", s.name, err)
	}
	s.notify()
	return nil
}

// Close 停止投递并等待投递循环退出。订阅仍保留在 topic 上，
// 之后发布的消息继续入队。重复调用安全。
func (s *Subscription) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	done, exited := s.done, s.exited
	s.mu.Unlock()

	close(done)
	<-exited
	return nil
}

// Delete 停止投递并从 topic 上删除订阅，丢弃未投递的消息。
func (s *Subscription) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = s.Close()

	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrSubscriptionNotFound, s.name)
	}
	s.deleted = true
	s.queue = nil
	s.mu.Unlock()

	s.topic.removeSub(s.name)
	s.topic.broker.logger.Debug("subscription deleted", "subscription", s.name, "topic", s.topic.name)
	return nil
}

// enqueue 追加消息（topic 持锁调用，保证跨批次顺序）
func (s *Subscription) enqueue(msgs []*message.Message) {
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msgs...)
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// loop 投递循环，运行在 ants 协程池中
func (s *Subscription) loop(done <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)
	for {
		select {
		case <-done:
			return
		case <-s.signal:
		}

		for {
			handlers := *s.handlers.Load()
			if len(handlers) == 0 {
				break
			}
			batch := s.take()
			if len(batch) == 0 {
				break
			}
			for i, m := range batch {
				select {
				case <-done:
					s.requeue(batch[i:])
					return
				default:
				}
				s.deliver(handlers, m)
			}
		}
	}
}

func (s *Subscription) take() []*message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}

// requeue 投递中途被 Close 时把剩余消息放回队首
func (s *Subscription) requeue(rest []*message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return
	}
	s.queue = append(rest, s.queue...)
}

func (s *Subscription) deliver(handlers []handlerEntry, m *message.Message) {
	m.OnAck(func() { s.acked.Add(1) }).OnNack(func() { s.nacked.Add(1) })
	s.delivered.Add(1)
	for _, h := range handlers {
		h.fn(m)
	}
}
