package decode

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/uniyakcom/pubcap/message"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSON 将 Payload 按 JSON 解析为 T（捕获引擎的默认解码器）
type JSON[T any] struct{}

// Decode 解析 msg.Payload
func (JSON[T]) Decode(msg *message.Message) (T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, err
	}
	return v, nil
}
