package local_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/uniyakcom/pubcap/message"
	"github.com/uniyakcom/pubcap/pubsub/local"
)

// 说明：压力测试运行时间较长，使用 -short 标志可跳过

// TestStressHighConcurrency 高并发压力测试
// 100 个 goroutine 并发发布，每个 100 条消息，10 个订阅
func TestStressHighConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	ctx := context.Background()
	b := newBroker(t)
	topic, _ := b.CreateTopic("stress.concurrent")

	var processed atomic.Int64
	for i := 0; i < 10; i++ {
		sub, _ := topic.Subscribe("sub-" + string(rune('a'+i)))
		sub.On(func(m *message.Message) {
			processed.Add(1)
			m.Ack()
		})
	}

	goroutineCount := 100
	perGoroutine := 100
	start := time.Now()

	var wg sync.WaitGroup
	for g := 0; g < goroutineCount; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				_, _ = topic.PublishData(ctx, []byte("test"))
			}
		}()
	}
	wg.Wait()

	expected := int64(goroutineCount * perGoroutine * 10)
	deadline := time.Now().Add(5 * time.Second)
	for processed.Load() < expected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	duration := time.Since(start)

	t.Logf("High concurrency: %d deliveries in %v", processed.Load(), duration)
	if got := processed.Load(); got != expected {
		t.Errorf("expected %d deliveries, got %d", expected, got)
	}
	if got := b.Published(); got != int64(goroutineCount*perGoroutine) {
		t.Errorf("Published() = %d, want %d", got, goroutineCount*perGoroutine)
	}
}

// TestStressHandlerChurn 持续注册和注销回调的同时发布
func TestStressHandlerChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	ctx := context.Background()
	b := newBroker(t)
	topic, _ := b.CreateTopic("stress.churn")
	sub, _ := topic.Subscribe("churn")

	var processed atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				id := sub.On(func(m *message.Message) { processed.Add(1) })
				time.Sleep(5 * time.Millisecond)
				sub.Off(id)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = topic.PublishData(ctx, []byte("data"))
				time.Sleep(time.Millisecond)
			}
		}
	}()

	time.Sleep(500 * time.Millisecond)
	close(stop)
	wg.Wait()

	t.Logf("Handler churn: %d deliveries", processed.Load())
	if processed.Load() == 0 {
		t.Error("no messages delivered")
	}
}

// TestStressSlowHandlers 慢回调只阻塞自己的订阅
func TestStressSlowHandlers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	ctx := context.Background()
	b := newBroker(t, local.Options{Workers: 4})
	topic, _ := b.CreateTopic("slow.test")

	slow, _ := topic.Subscribe("slow")
	fast, _ := topic.Subscribe("fast")

	var slowCount, fastCount atomic.Int64
	slow.On(func(m *message.Message) {
		time.Sleep(50 * time.Millisecond)
		slowCount.Add(1)
	})
	fastDone := make(chan struct{})
	fast.On(func(m *message.Message) {
		if fastCount.Add(1) == 10 {
			close(fastDone)
		}
	})

	start := time.Now()
	for i := 0; i < 10; i++ {
		_, _ = topic.PublishData(ctx, []byte("slow"))
	}

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscription starved")
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("fast subscription took %v, should not wait for slow handler", elapsed)
	}
	if slowCount.Load() >= 10 {
		t.Error("slow subscription finished before fast one")
	}
}
