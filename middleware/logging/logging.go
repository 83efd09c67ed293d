// Package logging 提供投递日志中间件。
//
// 记录每条消息的投递耗时、发布时间和确认状态。
//
//	broker, _ := local.NewBroker(local.Options{Middleware: []core.Middleware{logging.New(logger)}})
package logging

import (
	"log/slog"
	"time"

	"github.com/uniyakcom/pubcap/core"
	"github.com/uniyakcom/pubcap/message"
)

// New 创建日志中间件。
func New(logger *slog.Logger) core.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(h core.Handler) core.Handler {
		return func(msg *message.Message) {
			start := time.Now()

			h(msg)

			logger.Debug("message delivered",
				"uuid", msg.UUID,
				"published", msg.Timestamp,
				"duration", time.Since(start),
				"acked", msg.IsAcked(),
			)
		}
	}
}
