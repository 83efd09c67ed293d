// Package pubcap 提供发布订阅测试用的消息捕获引擎。
//
// Capture 在测试期间临时监听若干 topic：为每个 topic 创建临时订阅
// （<topic>-pubcap），把发布时间不早于重置时间的消息按到达顺序缓存，
// 供测试代码在可控的等待后读取、断言。
//
// 用法：
//
//	capture := pubcap.New(pubcap.Config{MessagesTimeout: 100 * time.Millisecond})
//	if err := capture.Listen(ctx, transport, pubcap.Name("topic-1"), pubcap.Handle(topic2)); err != nil {
//	    t.Fatal(err)
//	}
//	defer capture.Close(ctx)
//
//	_ = capture.Drain(ctx)
//	// ... 触发被测代码发布消息 ...
//	msgs, err := pubcap.Messages[Order](ctx, capture, pubcap.Name("topic-1"))
//
// 原始消息：capture.Raw(ctx, ref)；自定义解码：pubcap.Decode(ctx, capture, ref, decoder)。
package pubcap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/uniyakcom/pubcap/core"
	"github.com/uniyakcom/pubcap/message"
)

// buffer 单个 topic 的消息缓冲（只追加，整体截断）
type buffer struct {
	msgs []*message.Message
}

// tap 一个活跃的临时订阅
type tap struct {
	topic     string
	sub       core.Subscription
	handlerID uint64
}

// cancel 停止投递、注销回调、删除订阅
func (t *tap) cancel(ctx context.Context) error {
	var errs []error
	if err := t.sub.Close(); err != nil {
		errs = append(errs, err)
	}
	t.sub.Off(t.handlerID)
	if err := t.sub.Delete(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pubcap: cancel %s: %w", t.sub.Name(), err)
	}
	return nil
}

// Capture 消息捕获引擎
//
// 并发安全：投递回调在传输层 goroutine 中执行，与 Listen/Drain/Close/读取
// 通过同一把锁串行化缓冲区和重置时间的读写。
type Capture struct {
	cfg    Config
	logger *slog.Logger

	// lifecycle 串行化 Listen/Close
	lifecycle sync.Mutex

	mu        sync.Mutex
	buffers   map[string]*buffer
	taps      []*tap
	resetTime time.Time
}

// New 创建捕获引擎。重置时间初始化为当前时间。
func New(cfg ...Config) *Capture {
	var c Config
	if len(cfg) > 0 {
		c = cfg[0]
	}
	c.defaults()
	return &Capture{
		cfg:       c,
		logger:    c.Logger.With("component", "pubcap"),
		buffers:   make(map[string]*buffer),
		resetTime: time.Now(),
	}
}

// Config 返回生效的配置
func (c *Capture) Config() Config {
	return c.cfg
}

// Listen 开始监听 topics。
//
// 先执行一次完整的 Close（使用默认 CloseTimeout），再并发地为每个 topic
// 解析句柄、创建或挂接临时订阅、注册投递回调、登记空缓冲。
// 全部订阅就绪后返回；任一失败则返回该错误，已创建的订阅及其缓冲保留，由下次 Close 清理。
// 重复的 topic 只监听一次。
func (c *Capture) Listen(ctx context.Context, transport core.Transport, topics ...TopicRef) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if err := c.closeLocked(ctx, c.cfg.CloseTimeout); err != nil {
		return err
	}

	refs := dedupe(topics)

	c.mu.Lock()
	c.buffers = make(map[string]*buffer, len(refs))
	c.mu.Unlock()

	taps := make([]*tap, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		g.Go(func() error {
			buf := &buffer{}
			t, err := c.wiretap(gctx, transport, ref, buf)
			if err != nil {
				return err
			}
			taps[i] = t

			// 只有订阅就绪的 topic 才有缓冲区
			c.mu.Lock()
			c.buffers[ref.Name()] = buf
			c.mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	c.mu.Lock()
	for _, t := range taps {
		if t != nil {
			c.taps = append(c.taps, t)
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("listen failed", "error", err)
		return err
	}
	c.logger.Info("listening", "topics", len(refs))
	return nil
}

// wiretap 为单个 topic 创建临时订阅并注册投递回调
func (c *Capture) wiretap(ctx context.Context, transport core.Transport, ref TopicRef, buf *buffer) (*tap, error) {
	name := ref.Name()
	topic, err := ref.resolve(ctx, transport)
	if err != nil {
		return nil, fmt.Errorf("pubcap: resolve topic %s: %w", name, err)
	}
	sub, err := topic.Subscription(ctx, SubscriptionName(name))
	if err != nil {
		return nil, fmt.Errorf("pubcap: subscribe %s: %w", name, err)
	}

	id := sub.On(func(msg *message.Message) {
		c.deliver(name, buf, msg)
	})
	c.logger.Debug("topic tapped", "topic", name, "subscription", sub.Name())
	return &tap{topic: name, sub: sub, handlerID: id}, nil
}

// deliver 投递回调：发布时间（秒级）不早于当前重置时间则保留，总是 Ack。
func (c *Capture) deliver(topic string, buf *buffer, msg *message.Message) {
	c.mu.Lock()
	keep := afterReset(msg.Timestamp, c.resetTime)
	if keep {
		buf.msgs = append(buf.msgs, msg)
	}
	c.mu.Unlock()

	msg.Ack()
	c.logger.Debug("message delivered", "topic", topic, "uuid", msg.UUID, "retained", keep)
}

// afterReset 秒级比较：截断到整秒后 published >= reset
func afterReset(published, reset time.Time) bool {
	return published.Unix() >= reset.Unix()
}

// Raw 等待后返回 topic 缓冲区中的原始消息（到达顺序）。
// 未监听的 topic 返回空切片。不修改缓冲区。
func (c *Capture) Raw(ctx context.Context, topic TopicRef, opts ...Option) ([]*message.Message, error) {
	if err := sleep(ctx, timeoutOf(c.cfg.MessagesTimeout, opts)); err != nil {
		return nil, err
	}
	return c.snapshot(topic.Name()), nil
}

func (c *Capture) snapshot(topic string) []*message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.buffers[topic]
	if !ok {
		return []*message.Message{}
	}
	out := make([]*message.Message, len(buf.msgs))
	copy(out, buf.msgs)
	return out
}

// Drain 等待后把重置时间推进到当前时间，并清空全部缓冲区。
//
// 之后到达的消息按投递时的重置时间过滤：发布时间不早于新重置时间的在途消息仍会被保留。
func (c *Capture) Drain(ctx context.Context, opts ...Option) error {
	if err := sleep(ctx, timeoutOf(c.cfg.DrainTimeout, opts)); err != nil {
		return err
	}

	c.mu.Lock()
	if now := time.Now(); now.After(c.resetTime) {
		c.resetTime = now
	}
	for _, buf := range c.buffers {
		clear(buf.msgs)
		buf.msgs = buf.msgs[:0]
	}
	reset := c.resetTime
	c.mu.Unlock()

	c.logger.Debug("drained", "reset_time", reset)
	return nil
}

// Close 并发取消全部临时订阅（停止投递、注销回调、删除订阅），
// 清空订阅列表，然后等待 CloseTimeout 让传输层完成清理。
//
// 缓冲区保留。没有活跃订阅时只有等待。订阅拆除不受 ctx 取消影响；
// ctx 取消只会提前结束最后的等待。
func (c *Capture) Close(ctx context.Context, opts ...Option) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	return c.closeLocked(ctx, timeoutOf(c.cfg.CloseTimeout, opts))
}

func (c *Capture) closeLocked(ctx context.Context, settle time.Duration) error {
	c.mu.Lock()
	taps := c.taps
	c.taps = nil
	c.mu.Unlock()

	var err error
	if len(taps) > 0 {
		teardown := context.WithoutCancel(ctx)
		errs := make([]error, len(taps))
		var g errgroup.Group
		for i, t := range taps {
			g.Go(func() error {
				errs[i] = t.cancel(teardown)
				return nil
			})
		}
		_ = g.Wait()
		err = errors.Join(errs...)
		if err != nil {
			c.logger.Error("close failed", "error", err)
		} else {
			c.logger.Info("closed", "subscriptions", len(taps))
		}
	}

	return errors.Join(err, sleep(ctx, settle))
}

// Topics 返回当前缓冲区对应的 topic 名称（已排序）
func (c *Capture) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.buffers))
	for n := range c.buffers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Listening 报告是否有活跃订阅
func (c *Capture) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.taps) > 0
}

// ResetTime 返回当前重置时间
func (c *Capture) ResetTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetTime
}

// Len 立即返回 topic 缓冲区中的消息数（不等待）
func (c *Capture) Len(topic TopicRef) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if buf, ok := c.buffers[topic.Name()]; ok {
		return len(buf.msgs)
	}
	return 0
}

// dedupe 按规范名称去重，保留首次出现的引用
func dedupe(refs []TopicRef) []TopicRef {
	seen := make(map[string]struct{}, len(refs))
	out := make([]TopicRef, 0, len(refs))
	for _, r := range refs {
		if _, ok := seen[r.Name()]; ok {
			continue
		}
		seen[r.Name()] = struct{}{}
		out = append(out, r)
	}
	return out
}

// sleep 被动等待 d；ctx 取消时提前返回 ctx.Err()
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
