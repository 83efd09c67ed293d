package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniyakcom/pubcap/core"
	"github.com/uniyakcom/pubcap/message"
)

// fakeReader 内存 fetcher：先依次返回 errs，再按顺序返回 msgs，取完后阻塞到 ctx 取消
type fakeReader struct {
	mu        sync.Mutex
	errs      []error
	msgs      []kafka.Message
	fetched   int
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return kafka.Message{}, io.EOF
	}
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if r.fetched < len(r.msgs) {
		km := r.msgs[r.fetched]
		r.fetched++
		r.mu.Unlock()
		return km, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) state() (fetched int, committed []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetched, append([]int64(nil), r.committed...)
}

func newTestTopic(t *testing.T) *Topic {
	t.Helper()
	tr, err := New(Options{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return &Topic{transport: tr, name: "orders"}
}

func TestNewRequiresBrokers(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoBrokers)
}

func TestOptionsDefaults(t *testing.T) {
	var o Options
	o.defaults()
	assert.Equal(t, DefaultPartitions, o.Partitions)
	assert.Equal(t, DefaultReplicationFactor, o.ReplicationFactor)
	assert.Equal(t, DefaultDialTimeout, o.DialTimeout)
	assert.Equal(t, DefaultMaxWait, o.MaxWait)
	assert.Equal(t, DefaultBatchTimeout, o.BatchTimeout)
	assert.NotNil(t, o.Logger)

	o = Options{Partitions: 3, DialTimeout: time.Second}
	o.defaults()
	assert.Equal(t, 3, o.Partitions)
	assert.Equal(t, time.Second, o.DialTimeout)
}

func TestIgnoreExists(t *testing.T) {
	assert.NoError(t, ignoreExists(nil))
	assert.NoError(t, ignoreExists(kafka.TopicAlreadyExists))
	assert.ErrorIs(t, ignoreExists(kafka.InvalidPartitionNumber), kafka.InvalidPartitionNumber)
}

func TestOwnsTopic(t *testing.T) {
	// orders-eu 的组在 orders 上没有提交记录
	committed := map[string][]kafka.OffsetFetchPartition{
		"orders-eu": {{Partition: 0, CommittedOffset: 12}},
		"orders":    {{Partition: 0, CommittedOffset: -1}, {Partition: 1, CommittedOffset: -1}},
	}
	assert.False(t, ownsTopic(committed["orders"]))
	assert.True(t, ownsTopic(committed["orders-eu"]))
	assert.False(t, ownsTopic(committed["missing"]))

	assert.True(t, ownsTopic([]kafka.OffsetFetchPartition{
		{Partition: 0, CommittedOffset: -1},
		{Partition: 1, CommittedOffset: 0},
	}), "offset 0 is a committed position")
	assert.False(t, ownsTopic([]kafka.OffsetFetchPartition{
		{Partition: 0, CommittedOffset: 5, Error: kafka.UnknownTopicOrPartition},
	}))
}

func TestEndOffsets(t *testing.T) {
	commits, err := endOffsets([]kafka.PartitionOffsets{
		{Partition: 0, FirstOffset: -1, LastOffset: 10},
		{Partition: 1, FirstOffset: -1, LastOffset: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, []kafka.OffsetCommit{
		{Partition: 0, Offset: 10},
		{Partition: 1, Offset: 0},
	}, commits)

	_, err = endOffsets(nil)
	assert.ErrorIs(t, err, kafka.UnknownTopicOrPartition)

	_, err = endOffsets([]kafka.PartitionOffsets{{Partition: 2, Error: kafka.NotLeaderForPartition}})
	assert.ErrorIs(t, err, kafka.NotLeaderForPartition)
}

func TestCommitError(t *testing.T) {
	assert.NoError(t, commitError(nil))
	assert.NoError(t, commitError([]kafka.OffsetCommitPartition{{Partition: 0}}))

	err := commitError([]kafka.OffsetCommitPartition{
		{Partition: 0},
		{Partition: 1, Error: kafka.RebalanceInProgress},
	})
	assert.ErrorIs(t, err, kafka.RebalanceInProgress)
	assert.Contains(t, err.Error(), "partition 1")
}

func TestMessageConversion(t *testing.T) {
	published := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	km := kafka.Message{
		Topic:     "orders",
		Partition: 2,
		Offset:    41,
		Key:       []byte("k1"),
		Value:     []byte(`{"id":1}`),
		Time:      published,
		Headers:   []kafka.Header{{Key: "source", Value: []byte("test")}},
	}

	m := toMessage(km)
	assert.Equal(t, "orders/2/41", m.UUID)
	assert.Equal(t, "k1", m.Key)
	assert.Equal(t, `{"id":1}`, string(m.Payload))
	assert.True(t, published.Equal(m.Timestamp))
	assert.Equal(t, "test", m.Metadata.Get("source"))

	out := message.New("", []byte("payload"))
	out.Key = "key"
	out.Metadata.Set("b", "2")
	out.Metadata.Set("a", "1")
	back := toKafka(out)
	assert.Equal(t, []byte("key"), back.Key)
	assert.Equal(t, []byte("payload"), back.Value)
	require.Len(t, back.Headers, 2)
	assert.Equal(t, "a", back.Headers[0].Key)
	assert.Equal(t, "b", back.Headers[1].Key)
	assert.True(t, back.Time.IsZero())

	assert.Nil(t, toKafka(message.New("", nil)).Key)
}

func TestSubscriptionDeliverAndCommit(t *testing.T) {
	topic := newTestTopic(t)
	r := &fakeReader{msgs: []kafka.Message{
		{Topic: "orders", Offset: 1, Value: []byte("a")},
		{Topic: "orders", Offset: 2, Value: []byte("b")},
	}}
	s := newSubscription(topic, "orders-pubcap", r)
	s.start()

	got := make(chan *message.Message, 2)
	s.On(func(m *message.Message) {
		m.Ack()
		got <- m
	})

	for _, want := range []string{"a", "b"} {
		select {
		case m := <-got:
			assert.Equal(t, want, string(m.Payload))
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for delivery")
		}
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, committed := r.state()
	assert.Equal(t, []int64{1, 2}, committed)
	assert.Equal(t, "orders-pubcap", s.Name())
}

func TestSubscriptionWaitsForHandler(t *testing.T) {
	topic := newTestTopic(t)
	r := &fakeReader{msgs: []kafka.Message{{Topic: "orders", Offset: 7}}}
	s := newSubscription(topic, "orders-pubcap", r)
	s.start()

	time.Sleep(20 * time.Millisecond)
	fetched, _ := r.state()
	assert.Zero(t, fetched, "no fetch without a handler")

	done := make(chan struct{})
	id := s.On(func(m *message.Message) { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery")
	}
	s.Off(id)
	require.NoError(t, s.Close())

	_, committed := r.state()
	assert.Empty(t, committed, "unacked message must not be committed")
}

func TestSubscriptionRetriesFetch(t *testing.T) {
	topic := newTestTopic(t)
	r := &fakeReader{
		errs: []error{kafka.LeaderNotAvailable},
		msgs: []kafka.Message{{Topic: "orders", Offset: 3, Value: []byte("after")}},
	}
	s := newSubscription(topic, "orders-pubcap", r)
	s.start()
	defer s.Close()

	got := make(chan *message.Message, 1)
	s.On(func(m *message.Message) {
		m.Ack()
		got <- m
	})

	select {
	case m := <-got:
		assert.Equal(t, "after", string(m.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped after a transient fetch error")
	}
	require.Eventually(t, func() bool {
		_, committed := r.state()
		return len(committed) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubscriptionCloseDuringBackoff(t *testing.T) {
	topic := newTestTopic(t)
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = kafka.LeaderNotAvailable
	}
	s := newSubscription(topic, "orders-pubcap", &fakeReader{errs: errs})
	s.start()
	s.On(func(m *message.Message) { m.Ack() })

	time.Sleep(20 * time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close blocked on retry backoff")
	}
}

func TestSubscriptionDeleteTwice(t *testing.T) {
	topic := newTestTopic(t)
	s := newSubscription(topic, "orders-pubcap", &fakeReader{})
	s.start()
	s.deleted.Store(true)

	err := s.Delete(context.Background())
	assert.True(t, errors.Is(err, core.ErrSubscriptionNotFound))
}

func TestClosedTransport(t *testing.T) {
	tr, err := New(Options{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	_, err = tr.writer("orders")
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err = tr.Topic(context.Background(), "orders")
	assert.ErrorIs(t, err, core.ErrClosed)
	_, err = tr.writer("orders")
	assert.ErrorIs(t, err, core.ErrClosed)

	topic := &Topic{transport: tr, name: "orders"}
	_, err = topic.Subscription(context.Background(), "orders-pubcap")
	assert.ErrorIs(t, err, core.ErrClosed)
}
