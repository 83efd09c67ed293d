package decode

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hamba/avro/v2"

	"github.com/uniyakcom/pubcap/message"
)

// Confluent wire format: magic byte (1) + schema ID (4)
const confluentHeaderSize = 5

// ErrConfluentHeader Confluent wire format 头缺失或不匹配
var ErrConfluentHeader = errors.New("decode: bad confluent wire header")

// Avro 按 Schema 解码 Payload 为 T
type Avro[T any] struct {
	// Schema 写入方 schema（必填）
	Schema avro.Schema

	// Confluent 为 true 时先校验并剥离 5 字节 Confluent 头
	Confluent bool

	// SchemaID 非零时要求 Confluent 头中的 schema ID 与之相等
	SchemaID int
}

// NewAvro 解析 schema JSON 并创建解码器
func NewAvro[T any](schema string) (Avro[T], error) {
	s, err := avro.Parse(schema)
	if err != nil {
		return Avro[T]{}, fmt.Errorf("decode: parse avro schema: %w", err)
	}
	return Avro[T]{Schema: s}, nil
}

// Decode 解码 msg.Payload
func (a Avro[T]) Decode(msg *message.Message) (T, error) {
	var v T
	data := msg.Payload
	if a.Confluent {
		body, id, err := stripConfluentHeader(data)
		if err != nil {
			return v, err
		}
		if a.SchemaID != 0 && id != a.SchemaID {
			return v, fmt.Errorf("%w: schema id %d, want %d", ErrConfluentHeader, id, a.SchemaID)
		}
		data = body
	}
	if err := avro.Unmarshal(a.Schema, data, &v); err != nil {
		return v, err
	}
	return v, nil
}

func stripConfluentHeader(data []byte) ([]byte, int, error) {
	if len(data) < confluentHeaderSize {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrConfluentHeader, len(data))
	}
	if data[0] != 0 {
		return nil, 0, fmt.Errorf("%w: magic byte %#x", ErrConfluentHeader, data[0])
	}
	id := int(binary.BigEndian.Uint32(data[1:confluentHeaderSize]))
	return data[confluentHeaderSize:], id, nil
}
