package pubcap

import (
	"context"
	"sort"
	"sync"

	"github.com/uniyakcom/pubcap/core"
	"github.com/uniyakcom/pubcap/message"
)

// fakeTransport 同步投递、可注入错误的传输层
type fakeTransport struct {
	mu       sync.Mutex
	topics   map[string]*fakeTopic
	topicErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{topics: make(map[string]*fakeTopic)}
}

func (f *fakeTransport) Topic(_ context.Context, name string) (core.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.topicErr != nil {
		return nil, f.topicErr
	}
	t, ok := f.topics[name]
	if !ok {
		t = &fakeTopic{name: name, subs: make(map[string]*fakeSub)}
		f.topics[name] = t
	}
	return t, nil
}

func (f *fakeTransport) topic(name string) *fakeTopic {
	t, _ := f.Topic(context.Background(), name)
	return t.(*fakeTopic)
}

type fakeTopic struct {
	name      string
	mu        sync.Mutex
	subs      map[string]*fakeSub
	subErr    error
	deleteErr error
}

func (t *fakeTopic) Name() string { return t.name }

func (t *fakeTopic) Subscription(_ context.Context, name string) (core.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.subErr != nil {
		return nil, t.subErr
	}
	s, ok := t.subs[name]
	if !ok {
		s = &fakeSub{topic: t, name: name, handlers: make(map[uint64]core.Handler), deleteErr: t.deleteErr}
		t.subs[name] = s
	}
	return s, nil
}

func (t *fakeTopic) Subscriptions(context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.subs))
	for n := range t.subs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// emit 同步投递给该 topic 的全部订阅
func (t *fakeTopic) emit(msgs ...*message.Message) {
	t.mu.Lock()
	subs := make([]*fakeSub, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		for _, m := range msgs {
			s.emit(m)
		}
	}
}

type fakeSub struct {
	topic     *fakeTopic
	name      string
	mu        sync.Mutex
	handlers  map[uint64]core.Handler
	next      uint64
	closed    bool
	deleteErr error
}

func (s *fakeSub) Name() string { return s.name }

func (s *fakeSub) On(h core.Handler) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.handlers[s.next] = h
	return s.next
}

func (s *fakeSub) Off(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, id)
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSub) Delete(context.Context) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.topic.mu.Lock()
	delete(s.topic.subs, s.name)
	s.topic.mu.Unlock()
	return nil
}

func (s *fakeSub) handlerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func (s *fakeSub) emit(m *message.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	hs := make([]core.Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	for _, h := range hs {
		h(m)
	}
}
