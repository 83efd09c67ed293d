package local

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/uniyakcom/pubcap/core"
	"github.com/uniyakcom/pubcap/message"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Topic 进程内 topic
type Topic struct {
	broker     *Broker
	name       string
	batchDelay time.Duration

	mu      sync.Mutex
	subs    map[string]*Subscription
	pending []*message.Message // 等待批次刷出的消息
	timer   *time.Timer
	deleted bool
}

var _ core.Topic = (*Topic)(nil)

func newTopic(b *Broker, name string, o TopicOptions) *Topic {
	return &Topic{
		broker:     b,
		name:       name,
		batchDelay: o.BatchDelay,
		subs:       make(map[string]*Subscription),
	}
}

// Name 返回 topic 名称（设置 Project 时为完整路径）
func (t *Topic) Name() string {
	return t.broker.fullName("topics", t.name)
}

// ID 返回短名称
func (t *Topic) ID() string {
	return t.name
}

// BatchDelay 返回批量发布延迟
func (t *Topic) BatchDelay() time.Duration {
	return t.batchDelay
}

// Subscription 创建订阅；已存在时挂接并恢复投递（实现 core.Topic）。
func (t *Topic) Subscription(ctx context.Context, name string) (core.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.Subscribe(name)
}

// Subscribe 与 Subscription 相同，返回具体类型。
func (t *Topic) Subscribe(name string) (*Subscription, error) {
	name = path.Base(name)
	if t.broker.isClosed() {
		return nil, core.ErrClosed
	}

	t.mu.Lock()
	if t.deleted {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", core.ErrTopicNotFound, t.name)
	}
	s, ok := t.subs[name]
	if !ok {
		s = newSubscription(t, name)
		t.subs[name] = s
	}
	t.mu.Unlock()

	if err := s.start(); err != nil {
		if !ok {
			// 新建但未能启动的订阅不保留
			_ = s.Delete(context.Background())
		}
		return nil, err
	}
	return s, nil
}

// Subscriptions 列出订阅名称（已排序，实现 core.Topic）
func (t *Topic) Subscriptions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.subs))
	for _, s := range t.subs {
		names = append(names, s.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Publish 发布消息，返回消息 ID。
//
// BatchDelay 为 0 时消息立即被接受并分发；否则进入批次，
// 在 BatchDelay 后统一刷出，发布时间取刷出时刻。
func (t *Topic) Publish(ctx context.Context, msgs ...*message.Message) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.broker.isClosed() {
		return nil, core.ErrClosed
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		if m.UUID == "" {
			m.UUID = t.broker.opts.IDs.NewUUID()
		}
		ids[i] = m.UUID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.deleted {
		return nil, fmt.Errorf("%w: %s", core.ErrTopicNotFound, t.name)
	}
	t.broker.published.Add(int64(len(msgs)))
	if t.batchDelay <= 0 {
		t.dispatchLocked(msgs, time.Now())
		return ids, nil
	}
	t.pending = append(t.pending, msgs...)
	if t.timer == nil {
		t.timer = time.AfterFunc(t.batchDelay, t.flush)
	}
	return ids, nil
}

// PublishData 发布原始字节负载
func (t *Topic) PublishData(ctx context.Context, data []byte) (string, error) {
	ids, err := t.Publish(ctx, message.New(t.broker.opts.IDs.NewUUID(), data))
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// PublishJSON 将 v 编码为 JSON 后发布
func (t *Topic) PublishJSON(ctx context.Context, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("local: encode json: %w", err)
	}
	return t.PublishData(ctx, data)
}

// flush 刷出当前批次
func (t *Topic) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	batch := t.pending
	t.pending = nil
	t.timer = nil
	if t.deleted || len(batch) == 0 {
		return
	}
	t.dispatchLocked(batch, time.Now())
}

// dispatchLocked 为每个订阅生成独立副本并入队。调用方持有 t.mu。
func (t *Topic) dispatchLocked(msgs []*message.Message, published time.Time) {
	for _, m := range msgs {
		m.Timestamp = published
	}
	for _, s := range t.subs {
		copies := make([]*message.Message, len(msgs))
		for i, m := range msgs {
			copies[i] = deliveryCopy(m)
		}
		s.enqueue(copies)
	}
}

// deliveryCopy 复制消息用于投递：保留 ID，独立的 Payload、Metadata 和确认状态，
// 各订阅互不影响。
func deliveryCopy(m *message.Message) *message.Message {
	c := m.Copy()
	c.UUID = m.UUID
	return c
}

// markDeleted topic 被删除：丢弃未刷出的批次，订阅保持可 Delete。
func (t *Topic) markDeleted() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.deleted = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// stop 停止批次定时器和全部订阅（Broker.Close 调用）
func (t *Topic) stop() {
	t.markDeleted()

	t.mu.Lock()
	subs := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
}

// removeSub 从 topic 移除订阅
func (t *Topic) removeSub(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[name]; !ok {
		return false
	}
	delete(t.subs, name)
	return true
}
