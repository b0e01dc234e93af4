package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/andydunstall/samplemesh/client"
	"github.com/andydunstall/samplemesh/client/config"
	"github.com/andydunstall/samplemesh/node/event"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "attach as the node consumer",
		Long: `Attach as the node consumer.

Attaches to the node as its consumer and prints each delivered event, which
is either an application message (a locally published or received sample) or
a system event (an overlay status change).

A node has a single consumer. Attaching replaces any existing consumer, and
the command exits once another consumer attaches.

Examples:
  # Print events as YAML.
  samplemesh events

  # Print events as JSON, one per line.
  samplemesh events --output json
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.Flags())

	var output string
	cmd.Flags().StringVar(
		&output,
		"output",
		"yaml",
		`
Event output format, either 'yaml' or 'json'.`,
	)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}
		if output != "yaml" && output != "json" {
			fmt.Printf("invalid config: unsupported output: %s\n", output)
			os.Exit(1)
		}

		if err := run(&conf, output); err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}
	}

	return cmd
}

func run(conf *config.Config, output string) error {
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	client, err := client.NewClientFromConfig(conf)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	defer client.Close()

	stream, err := client.Events(ctx)
	if err != nil {
		return fmt.Errorf("failed to attach: %w", err)
	}
	defer stream.Close()

	go func() {
		<-ctx.Done()
		// Unblock Next.
		stream.Close()
	}()

	for {
		e, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println("consumer detached")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read event: %w", err)
		}

		b, err := formatEvent(e, output)
		if err != nil {
			return fmt.Errorf("failed to format event: %w", err)
		}
		fmt.Println(string(b))
	}
}

func formatEvent(e *event.Event, output string) ([]byte, error) {
	if output == "json" {
		return json.Marshal(e)
	}
	b, err := yaml.MarshalWithOptions(e, yaml.UseJSONMarshaler())
	if err != nil {
		return nil, err
	}
	// Separate each event as a YAML document.
	return append([]byte("---\n"), b...), nil
}
