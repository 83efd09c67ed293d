package pubcap

import "fmt"

// DecodeError 解码失败，包装 Decoder 返回的 error
type DecodeError struct {
	Topic string
	Index int // 消息在缓冲区中的位置
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("pubcap: decode %s[%d]: %v", e.Topic, e.Index, e.Err)
}

// Unwrap 返回原始 error
func (e *DecodeError) Unwrap() error {
	return e.Err
}
