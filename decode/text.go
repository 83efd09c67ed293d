package decode

import (
	"errors"
	"unicode/utf8"

	"github.com/uniyakcom/pubcap/message"
)

// ErrInvalidUTF8 Payload 不是合法 UTF-8
var ErrInvalidUTF8 = errors.New("decode: payload is not valid UTF-8")

// TextDecoder 将 Payload 作为 UTF-8 字符串返回
type TextDecoder struct{}

// Decode 返回 string(msg.Payload)
func (TextDecoder) Decode(msg *message.Message) (string, error) {
	if !utf8.Valid(msg.Payload) {
		return "", ErrInvalidUTF8
	}
	return string(msg.Payload), nil
}

// Text TextDecoder 实例
var Text Decoder[string] = TextDecoder{}
