package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uniyakcom/pubcap/message"
	"github.com/uniyakcom/pubcap/pubsub/kafka"
	"github.com/uniyakcom/pubcap/pubsub/local"
)

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <topic> <payload>...",
		Short: "Publish each payload argument as one message",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runPublish,
	}
	cmd.Flags().String("key", "", "message key")
	return cmd
}

func runPublish(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("key")

	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.transport.Close()

	ctx := cmd.Context()
	topic, err := e.transport.Topic(ctx, args[0])
	if err != nil {
		return err
	}

	msgs := make([]*message.Message, 0, len(args)-1)
	for _, payload := range args[1:] {
		m := message.New("", []byte(payload))
		m.Key = key
		msgs = append(msgs, m)
	}

	switch t := topic.(type) {
	case *kafka.Topic:
		err = t.Publish(ctx, msgs...)
	case *local.Topic:
		_, err = t.Publish(ctx, msgs...)
	default:
		err = fmt.Errorf("publish not supported for %T", topic)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %d messages to %s\n", len(msgs), topic.Name())
	return nil
}
