// Package config 从 YAML 文件和 PUBCAP_* 环境变量加载配置（spf13/viper）。
//
// 文件示例：
//
//	capture:
//	  messages_timeout_ms: 200
//	  drain_timeout_ms: 200
//	  close_timeout_ms: 500
//	transport:
//	  kind: kafka
//	kafka:
//	  brokers: [localhost:9092]
//	log:
//	  level: debug
//	  format: json
//
// 环境变量以 "_" 替换层级分隔符，如 PUBCAP_KAFKA_BROKERS、PUBCAP_LOG_LEVEL。
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/uniyakcom/pubcap"
	"github.com/uniyakcom/pubcap/core"
	"github.com/uniyakcom/pubcap/middleware/logging"
	"github.com/uniyakcom/pubcap/pubsub/kafka"
	"github.com/uniyakcom/pubcap/pubsub/local"
)

// 传输类型
const (
	KindLocal = "local"
	KindKafka = "kafka"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "PUBCAP"

// Config 完整配置
type Config struct {
	Capture   CaptureConfig   `mapstructure:"capture"`
	Transport TransportConfig `mapstructure:"transport"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Local     LocalConfig     `mapstructure:"local"`
	Log       LogConfig       `mapstructure:"log"`
}

// CaptureConfig 捕获引擎超时（毫秒）
type CaptureConfig struct {
	MessagesTimeoutMs int `mapstructure:"messages_timeout_ms"`
	DrainTimeoutMs    int `mapstructure:"drain_timeout_ms"`
	CloseTimeoutMs    int `mapstructure:"close_timeout_ms"`
}

// TransportConfig 传输选择
type TransportConfig struct {
	Kind string `mapstructure:"kind"`
}

// KafkaConfig Kafka 传输配置
type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	Partitions        int      `mapstructure:"partitions"`
	ReplicationFactor int      `mapstructure:"replication_factor"`
	DialTimeoutMs     int      `mapstructure:"dial_timeout_ms"`
}

// LocalConfig 进程内传输配置
type LocalConfig struct {
	Project      string `mapstructure:"project"`
	BatchDelayMs int    `mapstructure:"batch_delay_ms"`
	Workers      int    `mapstructure:"workers"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug|info|warn|error
	Format string `mapstructure:"format"` // text|json
}

var (
	// ErrUnknownTransport transport.kind 不是 local 或 kafka
	ErrUnknownTransport = errors.New("config: unknown transport kind")

	// ErrUnknownLevel log.level 无法解析
	ErrUnknownLevel = errors.New("config: unknown log level")
)

// SetDefaults 注册默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("capture.messages_timeout_ms", pubcap.DefaultMessagesTimeout.Milliseconds())
	v.SetDefault("capture.drain_timeout_ms", pubcap.DefaultDrainTimeout.Milliseconds())
	v.SetDefault("capture.close_timeout_ms", pubcap.DefaultCloseTimeout.Milliseconds())
	v.SetDefault("transport.kind", KindLocal)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.partitions", kafka.DefaultPartitions)
	v.SetDefault("kafka.replication_factor", kafka.DefaultReplicationFactor)
	v.SetDefault("kafka.dial_timeout_ms", kafka.DefaultDialTimeout.Milliseconds())
	v.SetDefault("local.project", "")
	v.SetDefault("local.batch_delay_ms", 0)
	v.SetDefault("local.workers", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load 读取配置。path 为空时只使用默认值和环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return decode(v)
}

// decode 解码并校验
func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验枚举字段
func (c *Config) Validate() error {
	switch strings.ToLower(c.Transport.Kind) {
	case KindLocal, KindKafka:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport.Kind)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// EngineConfig 转换为捕获引擎配置。未设置的键已由 SetDefaults 填充，
// 因此文件或环境变量中的显式 0 表示不等待。
func (c *Config) EngineConfig(logger *slog.Logger) pubcap.Config {
	return pubcap.Config{
		MessagesTimeout: wait(c.Capture.MessagesTimeoutMs),
		DrainTimeout:    wait(c.Capture.DrainTimeoutMs),
		CloseTimeout:    wait(c.Capture.CloseTimeoutMs),
		Logger:          logger,
	}
}

// LocalOptions 转换为进程内代理配置
func (c *Config) LocalOptions(logger *slog.Logger) local.Options {
	return local.Options{
		Project:    c.Local.Project,
		BatchDelay: ms(c.Local.BatchDelayMs),
		Workers:    c.Local.Workers,
		Logger:     logger,
		Middleware: c.middleware(logger),
	}
}

// KafkaOptions 转换为 Kafka 传输配置
func (c *Config) KafkaOptions(logger *slog.Logger) kafka.Options {
	return kafka.Options{
		Brokers:           c.Kafka.Brokers,
		Partitions:        c.Kafka.Partitions,
		ReplicationFactor: c.Kafka.ReplicationFactor,
		DialTimeout:       ms(c.Kafka.DialTimeoutMs),
		Logger:            logger,
		Middleware:        c.middleware(logger),
	}
}

// middleware debug 级别时为每次投递记录日志
func (c *Config) middleware(logger *slog.Logger) []core.Middleware {
	if level, err := c.Log.SlogLevel(); err != nil || level > slog.LevelDebug {
		return nil
	}
	return []core.Middleware{logging.New(logger)}
}

// SlogLevel 解析日志级别
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLevel, l.Level)
	}
	return level, nil
}

// Logger 按配置构建 slog.Logger（format 为 json 时输出 JSON，否则文本）
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// wait 毫秒转等待时间，0 映射为 pubcap.NoWait
func wait(n int) time.Duration {
	if n == 0 {
		return pubcap.NoWait
	}
	return ms(n)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
