package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/uniyakcom/pubcap"
	"github.com/uniyakcom/pubcap/decode"
	"github.com/uniyakcom/pubcap/message"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newTapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tap <topic>...",
		Short: "Listen on topics for a period and print what was captured",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runTap,
	}
	cmd.Flags().Duration("for", 5*time.Second, "how long to listen")
	cmd.Flags().String("decoder", "json", "payload decoder: json|text|raw")
	return cmd
}

func runTap(cmd *cobra.Command, args []string) error {
	period, _ := cmd.Flags().GetDuration("for")
	decoder, _ := cmd.Flags().GetString("decoder")
	emit, err := printerFor(decoder)
	if err != nil {
		return err
	}

	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.transport.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	capture := pubcap.New(e.cfg.EngineConfig(e.logger))
	topics := pubcap.Names(args...)
	if err := capture.Listen(ctx, e.transport, topics...); err != nil {
		_ = capture.Close(context.Background())
		return err
	}

	select {
	case <-time.After(period):
	case <-ctx.Done():
		e.logger.Info("interrupted, printing what was captured")
	}

	out := cmd.OutOrStdout()
	summary := make([]topicSummary, 0, len(topics))
	for _, topic := range topics {
		msgs, err := capture.Raw(context.Background(), topic, pubcap.WithTimeout(0))
		if err != nil {
			return err
		}
		sum := topicSummary{topic: topic.Name(), messages: len(msgs)}
		fmt.Fprintf(out, "# %s: %d messages\n", topic.Name(), len(msgs))
		for i, m := range msgs {
			sum.bytes += len(m.Payload)
			if err := emit(out, m); err != nil {
				sum.failed++
				e.logger.Warn("decode failed", "topic", topic.Name(), "index", i, "error", err)
			}
		}
		summary = append(summary, sum)
	}
	printSummary(out, summary)
	return capture.Close(context.Background())
}

type topicSummary struct {
	topic    string
	messages int
	bytes    int
	failed   int
}

// printSummary 以表格输出每个 topic 的捕获统计
func printSummary(w io.Writer, rows []topicSummary) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.AppendHeader(table.Row{"Topic", "Messages", "Bytes", "Decode Errors"})
	tbl.SortBy([]table.SortBy{{Name: "Topic", Mode: table.Asc}})
	for _, r := range rows {
		tbl.AppendRow(table.Row{r.topic, r.messages, r.bytes, r.failed})
	}
	tbl.SetStyle(table.StyleLight)
	tbl.Render()
}

// printer 输出单条消息
type printer func(w io.Writer, m *message.Message) error

func printerFor(name string) (printer, error) {
	switch name {
	case "json":
		dec := decode.JSON[any]{}
		return func(w io.Writer, m *message.Message) error {
			v, err := dec.Decode(m)
			if err != nil {
				return err
			}
			b, err := json.Marshal(v)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "%s\n", b)
			return err
		}, nil
	case "text":
		return func(w io.Writer, m *message.Message) error {
			s, err := decode.Text.Decode(m)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(w, s)
			return err
		}, nil
	case "raw":
		return func(w io.Writer, m *message.Message) error {
			_, err := fmt.Fprintf(w, "%s\t%s\t%d bytes\n", m.UUID, m.Timestamp.Format(time.RFC3339Nano), len(m.Payload))
			return err
		}, nil
	default:
		return nil, fmt.Errorf("unknown decoder %q (want json, text or raw)", name)
	}
}
