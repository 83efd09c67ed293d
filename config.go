package pubcap

import (
	"log/slog"
	"time"
)

// 默认超时
const (
	DefaultMessagesTimeout = 200 * time.Millisecond
	DefaultDrainTimeout    = 200 * time.Millisecond
	DefaultCloseTimeout    = 500 * time.Millisecond
)

// NoWait 显式关闭某项等待。Config 中的零值表示"未设置"并取默认值，
// 需要不等待时设置为 NoWait（任意负值等价）。
const NoWait time.Duration = -1

// Config 捕获引擎配置。零值字段取默认值，负值（NoWait）表示不等待。
type Config struct {
	// MessagesTimeout 读取消息前的等待时间，给在途投递留出时间。默认 200ms。
	MessagesTimeout time.Duration

	// DrainTimeout Drain 重置前的等待时间。默认 200ms。
	DrainTimeout time.Duration

	// CloseTimeout 删除订阅后的等待时间。
	// 传输层删除订阅与调用方随后删除 topic 之间并非严格同步，
	// 立即删除 topic 可能在 Close 返回后异步报错。默认 500ms。
	CloseTimeout time.Duration

	// Logger 自定义日志。为 nil 时使用 slog.Default()。
	Logger *slog.Logger
}

func (c *Config) defaults() {
	c.MessagesTimeout = orDefault(c.MessagesTimeout, DefaultMessagesTimeout)
	c.DrainTimeout = orDefault(c.DrainTimeout, DefaultDrainTimeout)
	c.CloseTimeout = orDefault(c.CloseTimeout, DefaultCloseTimeout)
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// orDefault 0 取默认值，负值归一为 0
func orDefault(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	}
	return d
}

// Option 单次调用选项（Messages/Decode/Raw/Drain/Close）
type Option func(*callOptions)

type callOptions struct {
	timeout    time.Duration
	hasTimeout bool
}

// WithTimeout 覆盖本次调用的等待时间。0 表示不等待。
func WithTimeout(d time.Duration) Option {
	return func(o *callOptions) {
		o.timeout = d
		o.hasTimeout = true
	}
}

// timeoutOf 返回 opts 中的超时，未设置时返回 def
func timeoutOf(def time.Duration, opts []Option) time.Duration {
	var o callOptions
	for _, fn := range opts {
		fn(&o)
	}
	if o.hasTimeout {
		return o.timeout
	}
	return def
}
