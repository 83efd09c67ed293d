package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/uniyakcom/pubcap/core"
)

type handlerEntry struct {
	id uint64
	fn core.Handler
}

var handlerID atomic.Uint64

// fetcher 是 *kafka.Reader 中订阅用到的部分
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Subscription 消费组订阅
//
// 单个 goroutine 拉取并串行投递。没有回调时暂停拉取，
// 未确认的消息不提交 offset，重新挂接后由 broker 重新投递。
type Subscription struct {
	topic  *Topic
	name   string
	reader fetcher

	handlers atomic.Pointer[[]handlerEntry]
	hmu      sync.Mutex
	signal   chan struct{}

	cancel    context.CancelFunc
	exited    chan struct{}
	closeOnce sync.Once
	closeErr  error
	deleted   atomic.Bool
}

var _ core.Subscription = (*Subscription)(nil)

func newSubscription(t *Topic, name string, r fetcher) *Subscription {
	s := &Subscription{
		topic:  t,
		name:   name,
		reader: r,
		signal: make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	empty := make([]handlerEntry, 0)
	s.handlers.Store(&empty)
	return s
}

// Name 返回消费组 ID
func (s *Subscription) Name() string {
	return s.name
}

// On 注册投递回调，回调经传输配置的中间件包装。
func (s *Subscription) On(handler core.Handler) uint64 {
	id := handlerID.Add(1)
	handler = core.Chain(handler, s.topic.transport.mws...)

	s.hmu.Lock()
	old := *s.handlers.Load()
	next := make([]handlerEntry, len(old), len(old)+1)
	copy(next, old)
	next = append(next, handlerEntry{id: id, fn: handler})
	s.handlers.Store(&next)
	s.hmu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return id
}

// Off 注销投递回调
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

func (s *Subscription) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(ctx)
}

// 拉取失败后的重试间隔
var (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

func (s *Subscription) loop(ctx context.Context) {
	defer close(s.exited)
	logger := s.topic.transport.logger.With("subscription", s.name, "topic", s.topic.name)
	backoff := minBackoff

	for {
		handlers := *s.handlers.Load()
		if len(handlers) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.signal:
				continue
			}
		}

		km, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("fetch failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		m := toMessage(km)
		m.OnAck(func() {
			if err := s.reader.CommitMessages(context.Background(), km); err != nil {
				logger.Warn("commit failed", "offset", km.Offset, "error", err)
			}
		}).OnNack(func() {
			logger.Debug("message nacked, offset not committed", "offset", km.Offset)
		})
		for _, h := range handlers {
			h.fn(m)
		}
	}
}

// Close 停止拉取并离开消费组。组及其已提交的 offset 保留在 broker 上。
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.exited
		if err := s.reader.Close(); err != nil {
			s.closeErr = fmt.Errorf("kafka: close subscription %s: %w", s.name, err)
		}
	})
	return s.closeErr
}

// Delete 关闭订阅并删除消费组
func (s *Subscription) Delete(ctx context.Context) error {
	closeErr := s.Close()
	if !s.deleted.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", core.ErrSubscriptionNotFound, s.name)
	}
	return errors.Join(closeErr, s.topic.transport.deleteGroup(ctx, s.name))
}
