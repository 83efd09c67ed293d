// Package core 定义捕获引擎依赖的传输层接口
//
// Transport/Topic/Subscription 是对发布订阅代理的最小抽象：
// 解析或自动创建 topic、创建或挂接订阅、注册投递回调、删除订阅。
// 本地实现见 pubsub/local，Kafka 实现见 pubsub/kafka。
package core

import (
	"context"
	"errors"

	"github.com/uniyakcom/pubcap/message"
)

var (
	// ErrClosed 传输层或订阅已关闭
	ErrClosed = errors.New("pubcap: closed")

	// ErrTopicNotFound topic 不存在
	ErrTopicNotFound = errors.New("pubcap: topic not found")

	// ErrSubscriptionNotFound 订阅不存在
	ErrSubscriptionNotFound = errors.New("pubcap: subscription not found")
)

// Handler 投递回调。实现方保证同一订阅内按到达顺序串行调用。
type Handler func(msg *message.Message)

// Transport 发布订阅代理
type Transport interface {
	// Topic 按名称解析 topic，不存在时自动创建。
	Topic(ctx context.Context, name string) (Topic, error)
}

// Topic 已解析的 topic 句柄
type Topic interface {
	// Name 返回 topic 名称（可能是完整路径，如 projects/p/topics/t）
	Name() string

	// Subscription 按名称创建订阅，已存在时直接挂接。
	Subscription(ctx context.Context, name string) (Subscription, error)

	// Subscriptions 列出该 topic 下的订阅名称（用于测试断言）
	Subscriptions(ctx context.Context) ([]string, error)
}

// Subscription 订阅句柄
type Subscription interface {
	// Name 返回订阅名称
	Name() string

	// On 注册投递回调，返回回调ID
	On(handler Handler) uint64

	// Off 注销投递回调
	Off(id uint64)

	// Close 停止接收消息（不删除传输层上的订阅）
	Close() error

	// Delete 在传输层删除订阅
	Delete(ctx context.Context) error
}

// Middleware 投递回调中间件
type Middleware func(Handler) Handler

// Chain 按声明顺序包装 h：mws[0] 在最外层。
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
