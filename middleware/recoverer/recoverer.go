// Package recoverer 提供 panic 恢复中间件。
//
// 捕获投递回调内的 panic 并 Nack 消息，防止单条消息的 panic 终止订阅的投递循环。
//
//	h := core.Chain(handler, recoverer.New(nil))
package recoverer

import (
	"fmt"

	"github.com/uniyakcom/pubcap/core"
	"github.com/uniyakcom/pubcap/message"
)

// PanicError 包装 panic 恢复值的 error 类型
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// New 创建 panic 恢复中间件。onPanic 可为 nil。
func New(onPanic func(msg *message.Message, err *PanicError)) core.Middleware {
	return func(h core.Handler) core.Handler {
		return func(msg *message.Message) {
			defer func() {
				if r := recover(); r != nil {
					msg.Nack()
					if onPanic != nil {
						onPanic(msg, &PanicError{Value: r})
					}
				}
			}()
			h(msg)
		}
	}
}
