package status

import (
	"github.com/spf13/cobra"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "inspect node status",
		Long: `Inspect node status.

Each node exposes a status API to inspect the state of the node, this can be
used to answer questions such as:
* Is a consumer attached to the node?
* What neighbors does the node have in each topic?
* When did the node last sync with each neighbor?

See 'status --help' for the availale commands.

Examples:
  # Inspect the local node.
  samplemesh status node

  # Inspect the topic neighbors of the node.
  samplemesh status overlay topics

  # Inspect the status of node 10.26.104.56:8000.
  samplemesh status node --server.url http://10.26.104.56:8000
`,
	}

	cmd.AddCommand(newNodeCommand())
	cmd.AddCommand(newOverlayCommand())

	return cmd
}
