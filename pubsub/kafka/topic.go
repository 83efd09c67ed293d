package kafka

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/uniyakcom/pubcap/core"
	"github.com/uniyakcom/pubcap/message"
)

// Topic Kafka topic 句柄
type Topic struct {
	transport *Transport
	name      string
}

var _ core.Topic = (*Topic)(nil)

// Name 返回 topic 名称
func (t *Topic) Name() string {
	return t.name
}

// Subscription 以 name 为 GroupID 加入消费组（实现 core.Topic）。
// 新组的起点先固定在各分区末尾，返回后发布的消息都会被投递。
func (t *Topic) Subscription(ctx context.Context, name string) (core.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.transport.isClosed() {
		return nil, core.ErrClosed
	}
	name = path.Base(name)
	if err := t.transport.pinOffsets(ctx, t.name, name); err != nil {
		return nil, err
	}
	s := newSubscription(t, name, t.transport.reader(t.name, name))
	s.start()
	return s, nil
}

// Subscriptions 列出在该 topic 上有已提交 offset 的消费组（已排序）
func (t *Topic) Subscriptions(ctx context.Context) ([]string, error) {
	groups, err := t.transport.groups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0)
	for _, g := range groups {
		topics, err := t.transport.committed(ctx, g)
		if err != nil {
			return nil, err
		}
		if ownsTopic(topics[t.name]) {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Publish 同步发布消息
func (t *Topic) Publish(ctx context.Context, msgs ...*message.Message) error {
	w, err := t.transport.writer(t.name)
	if err != nil {
		return err
	}
	kms := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		kms[i] = toKafka(m)
	}
	if err := w.WriteMessages(ctx, kms...); err != nil {
		return fmt.Errorf("kafka: publish %s: %w", t.name, err)
	}
	return nil
}

// toMessage 将 Kafka 消息转换为捕获消息。ID 为 topic/partition/offset。
func toMessage(km kafka.Message) *message.Message {
	m := message.New(messageID(km), km.Value)
	m.Key = string(km.Key)
	m.Timestamp = km.Time
	for _, h := range km.Headers {
		m.Metadata.Set(h.Key, string(h.Value))
	}
	return m
}

func messageID(km kafka.Message) string {
	return km.Topic + "/" + strconv.Itoa(km.Partition) + "/" + strconv.FormatInt(km.Offset, 10)
}

// toKafka 将消息转换为待写入的 Kafka 消息，Metadata 写入 headers（按键排序）。
// Time 留空，由 writer 在发送时赋值。
func toKafka(m *message.Message) kafka.Message {
	km := kafka.Message{
		Value: m.Payload,
	}
	if m.Key != "" {
		km.Key = []byte(m.Key)
	}
	if len(m.Metadata) > 0 {
		keys := m.Metadata.Keys()
		km.Headers = make([]kafka.Header, len(keys))
		for i, k := range keys {
			km.Headers[i] = kafka.Header{Key: k, Value: []byte(m.Metadata[k])}
		}
	}
	return km
}
