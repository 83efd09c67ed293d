package decode

import (
	"gopkg.in/yaml.v3"

	"github.com/uniyakcom/pubcap/message"
)

// YAML 将 Payload 按 YAML 解析为 T
type YAML[T any] struct{}

// Decode 解析 msg.Payload
func (YAML[T]) Decode(msg *message.Message) (T, error) {
	var v T
	if err := yaml.Unmarshal(msg.Payload, &v); err != nil {
		return v, err
	}
	return v, nil
}
