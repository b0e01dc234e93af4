package status

import (
	"context"
	"fmt"
	"os"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/andydunstall/samplemesh/client"
	"github.com/andydunstall/samplemesh/client/config"
)

func newNodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "inspect the node",
		Long: `Inspect the node.

Queries the node for its peer ID, public key, topic, listen addresses, API
advertise address and whether a consumer is attached.

Examples:
  samplemesh status node
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		showNode(&conf)
	}

	return cmd
}

func showNode(conf *config.Config) {
	client, err := client.NewClientFromConfig(conf)
	if err != nil {
		fmt.Printf("invalid config: %s\n", err.Error())
		os.Exit(1)
	}
	defer client.Close()

	node, err := client.Node(context.Background())
	if err != nil {
		fmt.Printf("failed to get node: %s\n", err.Error())
		os.Exit(1)
	}

	b, _ := yaml.Marshal(node)
	fmt.Println(string(b))
}
