// Package kafka 基于 segmentio/kafka-go 实现 core.Transport。
//
// 映射关系：
//   - topic → Kafka topic，按名称通过管理 API 自动创建
//   - 订阅 → 消费组（GroupID = 订阅名）。新组创建时先把各分区当前末尾
//     offset 提交为组的起点，因此 Subscription 返回后发布的消息都会被投递，
//     之前的不会
//   - 列出订阅 → 在该 topic 上有已提交 offset 的消费组
//   - Ack → 提交 offset
//   - 发布时间 → kafka.Message.Time（CreateTime 或 LogAppendTime，取决于 topic 配置）
//   - Delete → 删除消费组
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/uniyakcom/pubcap/core"
	"github.com/uniyakcom/pubcap/message"
	"github.com/uniyakcom/pubcap/middleware/recoverer"
)

// 默认值
const (
	DefaultPartitions        = 1
	DefaultReplicationFactor = 1
	DefaultDialTimeout       = 10 * time.Second
	DefaultMaxWait           = 100 * time.Millisecond
	DefaultBatchTimeout      = 10 * time.Millisecond
)

// Options Kafka 传输配置
type Options struct {
	// Brokers 引导地址（必填）
	Brokers []string

	// Partitions 自动创建 topic 的分区数（默认 1）。
	// 多分区时跨分区的到达顺序不保证。
	Partitions int

	// ReplicationFactor 自动创建 topic 的副本数（默认 1）
	ReplicationFactor int

	// DialTimeout 连接/管理请求超时（默认 10s）
	DialTimeout time.Duration

	// MaxWait 拉取等待上限（默认 100ms），决定投递延迟的下界
	MaxWait time.Duration

	// BatchTimeout 发布批次刷出间隔（默认 10ms）
	BatchTimeout time.Duration

	// Logger 自定义日志。为 nil 时使用 slog.Default()。
	Logger *slog.Logger

	// Middleware 包装每个注册的投递回调（panic 恢复始终在最外层）
	Middleware []core.Middleware
}

func (o *Options) defaults() {
	if o.Partitions <= 0 {
		o.Partitions = DefaultPartitions
	}
	if o.ReplicationFactor <= 0 {
		o.ReplicationFactor = DefaultReplicationFactor
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = DefaultBatchTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ErrNoBrokers 未配置 broker 地址
var ErrNoBrokers = errors.New("kafka: no brokers configured")

// Transport Kafka 传输
type Transport struct {
	opts   Options
	client *kafka.Client
	dialer *kafka.Dialer
	logger *slog.Logger
	mws    []core.Middleware

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	closed  bool
}

var _ core.Transport = (*Transport)(nil)

// New 创建 Kafka 传输。不建立连接，首次请求时才拨号。
func New(opts Options) (*Transport, error) {
	if len(opts.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	opts.defaults()
	logger := opts.Logger.With("transport", "kafka")
	return &Transport{
		opts: opts,
		client: &kafka.Client{
			Addr:    kafka.TCP(opts.Brokers...),
			Timeout: opts.DialTimeout,
		},
		dialer: &kafka.Dialer{
			Timeout:   opts.DialTimeout,
			DualStack: true,
		},
		logger:  logger,
		mws:     append([]core.Middleware{recoverer.New(logPanic(logger))}, opts.Middleware...),
		writers: make(map[string]*kafka.Writer),
	}, nil
}

// Topic 解析 topic，不存在时创建（实现 core.Transport）。
func (t *Transport) Topic(ctx context.Context, name string) (core.Topic, error) {
	if t.isClosed() {
		return nil, core.ErrClosed
	}
	name = path.Base(name)
	if err := t.ensureTopic(ctx, name); err != nil {
		return nil, err
	}
	return &Topic{transport: t, name: name}, nil
}

// ensureTopic 创建 topic，已存在视为成功
func (t *Transport) ensureTopic(ctx context.Context, name string) error {
	resp, err := t.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             name,
			NumPartitions:     t.opts.Partitions,
			ReplicationFactor: t.opts.ReplicationFactor,
		}},
	})
	if err != nil {
		return fmt.Errorf("kafka: create topic %s: %w", name, err)
	}
	if err := ignoreExists(resp.Errors[name]); err != nil {
		return fmt.Errorf("kafka: create topic %s: %w", name, err)
	}
	return nil
}

// groups 列出集群上的全部消费组 ID
func (t *Transport) groups(ctx context.Context) ([]string, error) {
	resp, err := t.client.ListGroups(ctx, &kafka.ListGroupsRequest{})
	if err != nil {
		return nil, fmt.Errorf("kafka: list groups: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("kafka: list groups: %w", resp.Error)
	}
	ids := make([]string, 0, len(resp.Groups))
	for _, g := range resp.Groups {
		ids = append(ids, g.GroupID)
	}
	return ids, nil
}

// committed 返回消费组在各 topic 上的已提交 offset
func (t *Transport) committed(ctx context.Context, group string) (map[string][]kafka.OffsetFetchPartition, error) {
	resp, err := t.client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{GroupID: group})
	if err != nil {
		return nil, fmt.Errorf("kafka: fetch offsets %s: %w", group, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("kafka: fetch offsets %s: %w", group, resp.Error)
	}
	return resp.Topics, nil
}

// partitions 返回 topic 的分区 ID
func (t *Transport) partitions(ctx context.Context, topic string) ([]int, error) {
	resp, err := t.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{topic}})
	if err != nil {
		return nil, fmt.Errorf("kafka: metadata %s: %w", topic, err)
	}
	for _, mt := range resp.Topics {
		if mt.Name != topic {
			continue
		}
		if mt.Error != nil {
			return nil, fmt.Errorf("kafka: metadata %s: %w", topic, mt.Error)
		}
		ids := make([]int, len(mt.Partitions))
		for i, p := range mt.Partitions {
			ids[i] = p.ID
		}
		return ids, nil
	}
	return nil, fmt.Errorf("kafka: metadata %s: %w", topic, kafka.UnknownTopicOrPartition)
}

// pinOffsets 把消费组在 topic 各分区上的起点提交为当前末尾 offset。
// 组已有提交时不做任何修改（重新挂接从上次位置继续）。
//
// reader 加入消费组是异步的，如果只依赖 StartOffset=LastOffset，
// 加入完成前发布的消息会被跳过。
func (t *Transport) pinOffsets(ctx context.Context, topic, group string) error {
	topics, err := t.committed(ctx, group)
	if err != nil {
		return err
	}
	if ownsTopic(topics[topic]) {
		return nil
	}

	ids, err := t.partitions(ctx, topic)
	if err != nil {
		return err
	}
	reqs := make([]kafka.OffsetRequest, len(ids))
	for i, id := range ids {
		reqs[i] = kafka.LastOffsetOf(id)
	}
	listed, err := t.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{topic: reqs},
	})
	if err != nil {
		return fmt.Errorf("kafka: list offsets %s: %w", topic, err)
	}
	commits, err := endOffsets(listed.Topics[topic])
	if err != nil {
		return fmt.Errorf("kafka: list offsets %s: %w", topic, err)
	}

	// GenerationID -1：组内没有成员时以独立消费者身份提交
	resp, err := t.client.OffsetCommit(ctx, &kafka.OffsetCommitRequest{
		GroupID:      group,
		GenerationID: -1,
		Topics:       map[string][]kafka.OffsetCommit{topic: commits},
	})
	if err != nil {
		return fmt.Errorf("kafka: commit offsets %s: %w", group, err)
	}
	if err := commitError(resp.Topics[topic]); err != nil {
		return fmt.Errorf("kafka: commit offsets %s: %w", group, err)
	}
	t.logger.Debug("group offsets pinned", "group", group, "topic", topic, "partitions", len(commits))
	return nil
}

// ownsTopic 报告是否有分区存在已提交 offset（未提交为 -1）
func ownsTopic(parts []kafka.OffsetFetchPartition) bool {
	for _, p := range parts {
		if p.Error == nil && p.CommittedOffset >= 0 {
			return true
		}
	}
	return false
}

// endOffsets 把各分区末尾 offset 转换为待提交的 offset
func endOffsets(parts []kafka.PartitionOffsets) ([]kafka.OffsetCommit, error) {
	if len(parts) == 0 {
		return nil, kafka.UnknownTopicOrPartition
	}
	commits := make([]kafka.OffsetCommit, len(parts))
	for i, p := range parts {
		if p.Error != nil {
			return nil, fmt.Errorf("partition %d: %w", p.Partition, p.Error)
		}
		commits[i] = kafka.OffsetCommit{Partition: p.Partition, Offset: p.LastOffset}
	}
	return commits, nil
}

// commitError 合并各分区的提交错误
func commitError(parts []kafka.OffsetCommitPartition) error {
	var errs []error
	for _, p := range parts {
		if p.Error != nil {
			errs = append(errs, fmt.Errorf("partition %d: %w", p.Partition, p.Error))
		}
	}
	return errors.Join(errs...)
}

// deleteGroup 删除消费组
func (t *Transport) deleteGroup(ctx context.Context, group string) error {
	resp, err := t.client.DeleteGroups(ctx, &kafka.DeleteGroupsRequest{
		GroupIDs: []string{group},
	})
	if err != nil {
		return fmt.Errorf("kafka: delete group %s: %w", group, err)
	}
	if err := resp.Errors[group]; err != nil {
		if errors.Is(err, kafka.GroupIdNotFound) {
			return fmt.Errorf("%w: %s", core.ErrSubscriptionNotFound, group)
		}
		return fmt.Errorf("kafka: delete group %s: %w", group, err)
	}
	return nil
}

// writer 返回 topic 的共享 writer（按需创建）
func (t *Transport) writer(topic string) (*kafka.Writer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, core.ErrClosed
	}
	if w, ok := t.writers[topic]; ok {
		return w, nil
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(t.opts.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: t.opts.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
		ErrorLogger:  errorLogger(t.logger),
	}
	t.writers[topic] = w
	return w, nil
}

// reader 为订阅创建消费组 reader
func (t *Transport) reader(topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     t.opts.Brokers,
		GroupID:     group,
		Topic:       topic,
		Dialer:      t.dialer,
		MaxWait:     t.opts.MaxWait,
		StartOffset: kafka.LastOffset,
		ErrorLogger: errorLogger(t.logger),
	})
}

// Close 关闭全部 writer。订阅需由调用方各自关闭。重复调用安全。
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	writers := t.writers
	t.writers = nil
	t.mu.Unlock()

	var errs []error
	for name, w := range writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka: close writer %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ignoreExists 把 TopicAlreadyExists 视为成功
func ignoreExists(err error) error {
	if err == nil || errors.Is(err, kafka.TopicAlreadyExists) {
		return nil
	}
	return err
}

// errorLogger 将 kafka-go 的 printf 日志桥接到 slog
func errorLogger(logger *slog.Logger) kafka.Logger {
	return kafka.LoggerFunc(func(format string, args ...any) {
		logger.Warn(fmt.Sprintf(format, args...))
	})
}

// logPanic 记录投递回调 panic。消息被 Nack，offset 不提交。
func logPanic(logger *slog.Logger) func(*message.Message, *recoverer.PanicError) {
	return func(msg *message.Message, err *recoverer.PanicError) {
		logger.Error("handler panic", "uuid", msg.UUID, "error", err)
	}
}
