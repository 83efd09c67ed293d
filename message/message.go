// Package message 提供捕获引擎的原始消息类型。
//
// Message 是传输层投递给捕获引擎的基本单元。引擎只关心两个属性：
// Payload（供 Decoder 解码）和 Timestamp（发布时间，用于时间窗口过滤）。
// 其余字段供自定义 Decoder 和测试断言使用。
package message

import (
	"sync/atomic"
	"time"
)

// 消息确认状态常量（CAS 替代 sync.Once）
const (
	msgPending uint32 = 0 // 待处理
	msgAcked   uint32 = 1 // 已确认
	msgNacked  uint32 = 2 // 已拒绝
)

// Message 消息传输单元
//
// 由传输层构造并投递。捕获引擎收到后立即 Ack，无论是否保留。
type Message struct {
	// UUID 消息唯一标识（传输层消息 ID 或自动生成）
	UUID string

	// Key 分区/路由键（Kafka key 等）
	Key string

	// Metadata 消息属性（传输层 attributes/headers）
	Metadata Metadata

	// Payload 消息负载（业务数据）
	Payload []byte

	// Timestamp 发布时间，由传输层在消息被代理接收时赋值
	Timestamp time.Time

	ackCh  chan struct{}
	nackCh chan struct{}
	ackFn  func()
	nackFn func()
	state  atomic.Uint32
}

// New 创建新消息。uuid 为空时自动生成，Timestamp 取当前时间。
func New(uuid string, payload []byte) *Message {
	if uuid == "" {
		uuid = NewUUID()
	}
	return &Message{
		UUID:      uuid,
		Metadata:  make(Metadata),
		Payload:   payload,
		Timestamp: time.Now(),
		ackCh:     make(chan struct{}),
		nackCh:    make(chan struct{}),
	}
}

// OnAck 设置 Ack 时回调（传输层用于提交 offset 等）。返回 m 便于链式调用。
func (m *Message) OnAck(fn func()) *Message {
	m.ackFn = fn
	return m
}

// OnNack 设置 Nack 时回调。
func (m *Message) OnNack(fn func()) *Message {
	m.nackFn = fn
	return m
}

// Ack 确认消息已处理。重复调用安全但无效。
func (m *Message) Ack() {
	if m.state.CompareAndSwap(msgPending, msgAcked) {
		if m.ackCh != nil {
			close(m.ackCh)
		}
		if m.ackFn != nil {
			m.ackFn()
		}
	}
}

// Nack 拒绝消息。重复调用安全但无效；Ack 之后调用无效。
func (m *Message) Nack() {
	if m.state.CompareAndSwap(msgPending, msgNacked) {
		if m.nackCh != nil {
			close(m.nackCh)
		}
		if m.nackFn != nil {
			m.nackFn()
		}
	}
}

// Acked 返回一个 channel，在 Ack() 被调用后关闭。
func (m *Message) Acked() <-chan struct{} {
	return m.ackCh
}

// Nacked 返回一个 channel，在 Nack() 被调用后关闭。
func (m *Message) Nacked() <-chan struct{} {
	return m.nackCh
}

// IsAcked 报告消息是否已确认
func (m *Message) IsAcked() bool {
	return m.state.Load() == msgAcked
}

// Copy 深拷贝消息（新 UUID、独立的 Metadata 和 Payload，保留发布时间，确认状态重置）。
func (m *Message) Copy() *Message {
	payload := make([]byte, len(m.Payload))
	copy(payload, m.Payload)

	msg := New("", payload)
	msg.Key = m.Key
	msg.Timestamp = m.Timestamp
	msg.Metadata = m.Metadata.Copy()
	return msg
}
