// Package local 提供进程内发布订阅代理，实现 core.Transport。
//
// 语义对齐托管型 Pub/Sub 服务：
//   - topic 按名称自动创建，订阅按名称创建或挂接
//   - 每个订阅独立收到每条消息的副本，按发布顺序投递
//   - 发布时间在消息被代理接受时赋值；配置 BatchDelay 时在批次刷出时赋值，
//     用于模拟客户端批量发布带来的延迟
//   - 订阅 Close 只停止投递，Delete 才从 topic 上移除
//
// 每个订阅的投递循环运行在代理共享的 ants 协程池中。
//
// 用法：
//
//	broker, _ := local.NewBroker()
//	defer broker.Close()
//
//	topic, _ := broker.CreateTopic("orders", local.TopicOptions{BatchDelay: 10 * time.Millisecond})
//	_, _ = topic.PublishJSON(ctx, map[string]any{"id": 1})
package local

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/uniyakcom/pubcap/core"
	"github.com/uniyakcom/pubcap/internal/stats"
	"github.com/uniyakcom/pubcap/message"
	"github.com/uniyakcom/pubcap/middleware/recoverer"
)

// Options 代理配置
type Options struct {
	// Project 非空时 topic/订阅名称带 projects/<Project>/ 前缀
	Project string

	// BatchDelay 自动创建 topic 的默认批量发布延迟（0 = 立即投递）
	BatchDelay time.Duration

	// Workers 投递协程池容量（<= 0 时使用 ants 默认容量）。
	// 每个活跃订阅占用一个 worker，池满时 Subscribe 返回 ants.ErrPoolOverload。
	Workers int

	// IDs 消息 ID 生成器。为 nil 时使用 UUID v4。
	IDs message.UUIDGenerator

	// Logger 自定义日志。为 nil 时使用 slog.Default()。
	Logger *slog.Logger

	// Middleware 包装每个注册的投递回调（panic 恢复始终在最外层）
	Middleware []core.Middleware
}

// TopicOptions 单个 topic 的配置
type TopicOptions struct {
	// BatchDelay 批量发布延迟（0 = 立即投递）
	BatchDelay time.Duration
}

// Broker 进程内代理
type Broker struct {
	opts   Options
	pool   *ants.Pool
	logger *slog.Logger
	mws    []core.Middleware

	published *stats.Counter // 多发布者并发写入

	mu     sync.Mutex
	topics map[string]*Topic
	closed bool
}

var _ core.Transport = (*Broker)(nil)

// NewBroker 创建代理。
func NewBroker(opts ...Options) (*Broker, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.IDs == nil {
		o.IDs = message.DefaultUUIDGenerator()
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := o.Workers
	if size <= 0 {
		size = ants.DefaultAntsPoolSize
	}
	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("local: create worker pool: %w", err)
	}
	logger = logger.With("transport", "local")
	return &Broker{
		opts:   o,
		pool:   pool,
		logger: logger,
		mws:    append([]core.Middleware{recoverer.New(logPanic(logger))}, o.Middleware...),
		topics: make(map[string]*Topic),

		published: stats.NewCounter(),
	}, nil
}

// logPanic 记录投递回调 panic
func logPanic(logger *slog.Logger) func(*message.Message, *recoverer.PanicError) {
	return func(msg *message.Message, err *recoverer.PanicError) {
		logger.Error("handler panic", "uuid", msg.UUID, "error", err)
	}
}

// Topic 解析 topic，不存在时以默认配置自动创建（实现 core.Transport）。
// name 可以是短名称或完整路径。
func (b *Broker) Topic(ctx context.Context, name string) (core.Topic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.CreateTopic(name, TopicOptions{BatchDelay: b.opts.BatchDelay})
}

// CreateTopic 创建 topic；已存在时返回现有 topic（opts 被忽略）。
func (b *Broker) CreateTopic(name string, opts ...TopicOptions) (*Topic, error) {
	name = path.Base(name)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, core.ErrClosed
	}
	if t, ok := b.topics[name]; ok {
		return t, nil
	}

	var o TopicOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	t := newTopic(b, name, o)
	b.topics[name] = t
	b.logger.Debug("topic created", "topic", name, "batch_delay", o.BatchDelay)
	return t, nil
}

// LookupTopic 查找已存在的 topic（不自动创建）。
func (b *Broker) LookupTopic(name string) (*Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[path.Base(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrTopicNotFound, name)
	}
	return t, nil
}

// DeleteTopic 删除 topic。其下订阅保留但不再收到新消息。
func (b *Broker) DeleteTopic(name string) error {
	name = path.Base(name)

	b.mu.Lock()
	t, ok := b.topics[name]
	delete(b.topics, name)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", core.ErrTopicNotFound, name)
	}
	t.markDeleted()
	return nil
}

// Topics 返回全部 topic 名称（已排序）
func (b *Broker) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.topics))
	for n := range b.topics {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close 关闭代理：停止全部订阅的投递并释放协程池。重复调用安全。
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		t.stop()
	}
	b.pool.Release()
	return nil
}

// Published 返回代理接受的消息总数（含未刷出的批次）
func (b *Broker) Published() int64 {
	return b.published.Load()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// fullName 按 Project 生成完整资源路径
func (b *Broker) fullName(kind, name string) string {
	if b.opts.Project == "" {
		return name
	}
	return "projects/" + b.opts.Project + "/" + kind + "/" + name
}
