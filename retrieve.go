package pubcap

import (
	"context"

	"github.com/uniyakcom/pubcap/decode"
)

// Messages 等待后返回 topic 的消息，Payload 按 JSON 解码为 T。
//
//	msgs, err := pubcap.Messages[map[string]any](ctx, capture, pubcap.Name("orders"))
//	msgs, err := pubcap.Messages[Order](ctx, capture, ref, pubcap.WithTimeout(time.Second))
func Messages[T any](ctx context.Context, c *Capture, topic TopicRef, opts ...Option) ([]T, error) {
	return Decode[T](ctx, c, topic, decode.JSON[T]{}, opts...)
}

// Decode 等待后用 dec 解码 topic 的消息。dec 为 nil 时使用 JSON。
// 任一消息解码失败返回 *DecodeError，缓冲区不受影响。
func Decode[T any](ctx context.Context, c *Capture, topic TopicRef, dec decode.Decoder[T], opts ...Option) ([]T, error) {
	if dec == nil {
		dec = decode.JSON[T]{}
	}
	msgs, err := c.Raw(ctx, topic, opts...)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(msgs))
	for i, msg := range msgs {
		v, err := dec.Decode(msg)
		if err != nil {
			return nil, &DecodeError{Topic: topic.Name(), Index: i, Err: err}
		}
		out = append(out, v)
	}
	return out, nil
}
