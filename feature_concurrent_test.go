package pubcap_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniyakcom/pubcap"
	"github.com/uniyakcom/pubcap/pubsub/local"
)

// TestConcurrentPublishDrain 并发发布与 Drain/读取交错，不发生死锁或数据竞争
func TestConcurrentPublishDrain(t *testing.T) {
	ctx := context.Background()
	broker, err := local.NewBroker()
	require.NoError(t, err)
	defer broker.Close()

	const topics = 4
	names := make([]string, topics)
	for i := range names {
		names[i] = fmt.Sprintf("concurrent-%d", i)
	}

	capture := pubcap.New(pubcap.Config{CloseTimeout: time.Millisecond})
	require.NoError(t, capture.Listen(ctx, broker, pubcap.Names(names...)...))
	defer capture.Close(ctx)

	var wg sync.WaitGroup
	for _, name := range names {
		topic, err := broker.LookupTopic(name)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, _ = topic.PublishJSON(ctx, map[string]int{"j": j})
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for k := 0; k < 5; k++ {
			_ = capture.Drain(ctx, pubcap.WithTimeout(time.Millisecond))
			_, _ = capture.Raw(ctx, pubcap.Name(names[k%topics]), pubcap.WithTimeout(0))
		}
	}()
	wg.Wait()

	// 等所有已发布消息投递并确认后再 Drain，之后重新计数
	for _, name := range names {
		topic, err := broker.LookupTopic(name)
		require.NoError(t, err)
		sub, err := topic.Subscribe(pubcap.SubscriptionName(name))
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			st := sub.Stats()
			return st.Pending == 0 && st.Acked == 200
		}, 5*time.Second, 5*time.Millisecond, "topic %s not settled", name)
	}
	require.NoError(t, capture.Drain(ctx, pubcap.WithTimeout(0)))
	for _, name := range names {
		topic, err := broker.LookupTopic(name)
		require.NoError(t, err)
		for j := 0; j < 10; j++ {
			_, err := topic.PublishJSON(ctx, map[string]int{"j": j})
			require.NoError(t, err)
		}
	}
	for _, name := range names {
		msgs, err := pubcap.Messages[map[string]int](ctx, capture, pubcap.Name(name))
		require.NoError(t, err)
		require.Len(t, msgs, 10)
		for j, m := range msgs {
			assert.Equal(t, j, m["j"])
		}
	}
}

// TestListenPoolOverload 订阅数超过协程池容量时 Listen 返回错误而不是阻塞
func TestListenPoolOverload(t *testing.T) {
	ctx := context.Background()
	broker, err := local.NewBroker(local.Options{Workers: 1})
	require.NoError(t, err)
	defer broker.Close()

	capture := pubcap.New(pubcap.Config{CloseTimeout: pubcap.NoWait})
	errc := make(chan error, 1)
	go func() {
		errc <- capture.Listen(ctx, broker, pubcap.Names("overload-a", "overload-b")...)
	}()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ants.ErrPoolOverload)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen blocked on a full worker pool")
	}
	assert.Len(t, capture.Topics(), 1, "only the tapped topic keeps a buffer")
	require.NoError(t, capture.Close(ctx))
}

// TestConcurrentListenClose Listen/Close 与投递交错
func TestConcurrentListenClose(t *testing.T) {
	ctx := context.Background()
	broker, err := local.NewBroker()
	require.NoError(t, err)
	defer broker.Close()

	topic, err := broker.CreateTopic("churn")
	require.NoError(t, err)

	capture := pubcap.New(pubcap.Config{CloseTimeout: time.Millisecond})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_, _ = topic.PublishJSON(ctx, map[string]int{"i": i})
		}
	}()

	for i := 0; i < 10; i++ {
		require.NoError(t, capture.Listen(ctx, broker, pubcap.Handle(topic)))
	}
	<-done
	require.NoError(t, capture.Close(ctx))

	subs, err := topic.Subscriptions(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

// BenchmarkDeliver 单 topic 投递吞吐
func BenchmarkDeliver(b *testing.B) {
	ctx := context.Background()
	broker, err := local.NewBroker()
	if err != nil {
		b.Fatal(err)
	}
	defer broker.Close()

	topic, _ := broker.CreateTopic("bench")
	capture := pubcap.New(pubcap.Config{CloseTimeout: time.Millisecond})
	if err := capture.Listen(ctx, broker, pubcap.Handle(topic)); err != nil {
		b.Fatal(err)
	}
	defer capture.Close(ctx)

	payload := []byte(`{"bench":true}`)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = topic.PublishData(ctx, payload)
	}
}
