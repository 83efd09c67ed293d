package pubcap

import (
	"context"
	"errors"
	"path"

	"github.com/uniyakcom/pubcap/core"
)

// ErrNilTopic 空 topic 引用（Handle(nil) 或 Name("")）
var ErrNilTopic = errors.New("pubcap: nil topic handle")

// subscriptionSuffix 临时订阅名称后缀
const subscriptionSuffix = "-pubcap"

// TopicRef topic 引用：名称或已解析的句柄。
//
//	pubcap.Name("orders")    // Listen 时在传输层解析，不存在则创建
//	pubcap.Handle(topic)     // 直接使用已解析的句柄
type TopicRef struct {
	name  string
	topic core.Topic
}

// Name 按名称引用 topic
func Name(name string) TopicRef {
	return TopicRef{name: name}
}

// Handle 按句柄引用 topic
func Handle(topic core.Topic) TopicRef {
	return TopicRef{topic: topic}
}

// Names 批量按名称引用
func Names(names ...string) []TopicRef {
	refs := make([]TopicRef, len(names))
	for i, n := range names {
		refs[i] = Name(n)
	}
	return refs
}

// Name 返回规范名称：完整路径的最后一段（projects/p/topics/t → t）
func (r TopicRef) Name() string {
	if r.topic != nil {
		return path.Base(r.topic.Name())
	}
	return path.Base(r.name)
}

// String 实现 fmt.Stringer
func (r TopicRef) String() string {
	return r.Name()
}

// resolve 解析为 topic 句柄
func (r TopicRef) resolve(ctx context.Context, tr core.Transport) (core.Topic, error) {
	if r.topic != nil {
		return r.topic, nil
	}
	if r.name == "" {
		return nil, ErrNilTopic
	}
	return tr.Topic(ctx, r.name)
}

// SubscriptionName 返回 topic 对应的临时订阅名称：<topic>-pubcap
func SubscriptionName(topic string) string {
	return path.Base(topic) + subscriptionSuffix
}
