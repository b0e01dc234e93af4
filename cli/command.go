package cli

import (
	"github.com/spf13/cobra"

	"github.com/andydunstall/samplemesh/cli/events"
	"github.com/andydunstall/samplemesh/cli/node"
	"github.com/andydunstall/samplemesh/cli/publish"
	"github.com/andydunstall/samplemesh/cli/status"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "samplemesh [command] (flags)",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Long: `Samplemesh is a peer-to-peer network for sharing timestamped samples.

Each node joins an overlay network and subscribes to a well-known topic.
Samples published to a node are broadcast to every other node in the topic,
and each node forwards the samples it publishes and receives, along with
overlay status events, to a single local consumer.

Start a node with:

  $ samplemesh node

Attach as the nodes consumer with:

  $ samplemesh events

Then publish a sample with:

  $ samplemesh publish --index 7

You can also inspect the status of the node using:

  $ samplemesh status
`,
	}

	cmd.AddCommand(node.NewCommand())
	cmd.AddCommand(publish.NewCommand())
	cmd.AddCommand(events.NewCommand())
	cmd.AddCommand(status.NewCommand())

	return cmd
}

func init() {
	cobra.EnableCommandSorting = false
}
