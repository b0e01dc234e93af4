package publish

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andydunstall/samplemesh/client"
	"github.com/andydunstall/samplemesh/client/config"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "publish a sample",
		Long: `Publish a sample.

Publishes a sample to the node, which echoes the sample to its local consumer
and broadcasts it to the other nodes in the topic.

If no timestamp is given, the current Unix time in milliseconds is used.

Examples:
  # Publish sample 7 with the current time.
  samplemesh publish --index 7

  # Publish sample 7 at timestamp 1000 to node 10.26.104.56:8000.
  samplemesh publish --timestamp 1000 --index 7 --server.url http://10.26.104.56:8000
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.Flags())

	var timestamp uint64
	cmd.Flags().Uint64Var(
		&timestamp,
		"timestamp",
		0,
		`
Sample timestamp. Defaults to the current Unix time in milliseconds.`,
	)

	var sampleIndex uint16
	cmd.Flags().Uint16Var(
		&sampleIndex,
		"index",
		0,
		`
Sample index.`,
	)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		if !cmd.Flags().Changed("timestamp") {
			timestamp = uint64(time.Now().UnixMilli())
		}

		client, err := client.NewClientFromConfig(&conf)
		if err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}
		defer client.Close()

		if err := client.Publish(context.Background(), timestamp, sampleIndex); err != nil {
			fmt.Printf("failed to publish: %s\n", err.Error())
			os.Exit(1)
		}
	}

	return cmd
}
