// Package decode 提供原始消息到业务类型的解码接口和实现。
//
// Decoder 把 message.Message 转换为调用方的目标类型，按次传入捕获引擎的读取调用。
// 内置实现：
//   - Raw：不解码，原样返回 *message.Message
//   - JSON：Payload 按 UTF-8 JSON 解析（默认）
//   - YAML：Payload 按 YAML 解析
//   - Text：Payload 作为 UTF-8 字符串
//   - Avro：按给定 schema 解码，可选 Confluent wire format 头
package decode

import (
	"github.com/uniyakcom/pubcap/message"
)

// Decoder 消息解码器接口
type Decoder[T any] interface {
	// Decode 将原始消息解码为 T。失败时返回 error，由调用方处理。
	Decode(msg *message.Message) (T, error)
}

// Func 函数适配器，让普通函数满足 Decoder
type Func[T any] func(msg *message.Message) (T, error)

// Decode 调用 f(msg)
func (f Func[T]) Decode(msg *message.Message) (T, error) {
	return f(msg)
}

// RawDecoder 不做任何解码，原样返回消息
type RawDecoder struct{}

// Decode 返回 msg 本身
func (RawDecoder) Decode(msg *message.Message) (*message.Message, error) {
	return msg, nil
}

// Raw RawDecoder 实例
var Raw Decoder[*message.Message] = RawDecoder{}
