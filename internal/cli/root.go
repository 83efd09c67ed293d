// Package cli 实现 pubcap 命令行（spf13/cobra）。
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/uniyakcom/pubcap/config"
	"github.com/uniyakcom/pubcap/core"
	"github.com/uniyakcom/pubcap/pubsub/kafka"
	"github.com/uniyakcom/pubcap/pubsub/local"
)

// NewRootCmd 构建根命令
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pubcap",
		Short: "Capture pub/sub messages for inspection",
		Long: `pubcap attaches ephemeral subscriptions to topics, records what is
published while it listens, and prints the captured messages.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "config file (YAML); PUBCAP_* env vars override")

	root.AddCommand(newTapCmd(), newPublishCmd())
	return root
}

// transport 可关闭的传输
type transport interface {
	core.Transport
	io.Closer
}

// env 命令运行环境：配置、日志、传输
type env struct {
	cfg       *config.Config
	logger    *slog.Logger
	transport transport
}

func setup(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger := cfg.Log.Logger(cmd.ErrOrStderr())

	tr, err := openTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, transport: tr}, nil
}

func openTransport(cfg *config.Config, logger *slog.Logger) (transport, error) {
	switch strings.ToLower(cfg.Transport.Kind) {
	case config.KindKafka:
		return kafka.New(cfg.KafkaOptions(logger))
	case config.KindLocal:
		return local.NewBroker(cfg.LocalOptions(logger))
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownTransport, cfg.Transport.Kind)
	}
}
