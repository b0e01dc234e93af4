package status

import (
	"context"
	"fmt"
	"os"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/andydunstall/samplemesh/client"
	"github.com/andydunstall/samplemesh/client/config"
	"github.com/andydunstall/samplemesh/node/overlay"
)

func newOverlayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overlay",
		Short: "inspect the overlay",
	}

	cmd.AddCommand(newOverlayTopicsCommand())
	cmd.AddCommand(newOverlayAddrsCommand())

	return cmd
}

func newOverlayTopicsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "inspect overlay topics",
		Long: `Inspect overlay topics.

Queries the node for the topics it's subscribed to. The output contains the
neighbors in each topic and the result of the last sync with each neighbor.

Examples:
  samplemesh status overlay topics
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		showOverlayTopics(&conf)
	}

	return cmd
}

type overlayTopicsOutput struct {
	Topics []overlay.TopicStatus `json:"topics"`
}

func showOverlayTopics(conf *config.Config) {
	client, err := client.NewClientFromConfig(conf)
	if err != nil {
		fmt.Printf("invalid config: %s\n", err.Error())
		os.Exit(1)
	}
	defer client.Close()

	topics, err := client.OverlayTopics(context.Background())
	if err != nil {
		fmt.Printf("failed to get overlay topics: %s\n", err.Error())
		os.Exit(1)
	}

	output := overlayTopicsOutput{
		Topics: topics,
	}
	b, _ := yaml.Marshal(output)
	fmt.Println(string(b))
}

func newOverlayAddrsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "addrs",
		Short: "inspect overlay listen addresses",
		Long: `Inspect overlay listen addresses.

Queries the node for the multiaddrs it listens on. The addresses can be
passed to '--overlay.bootstrap' when starting another node.

Examples:
  samplemesh status overlay addrs
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		showOverlayAddrs(&conf)
	}

	return cmd
}

type overlayAddrsOutput struct {
	Addrs []string `json:"addrs"`
}

func showOverlayAddrs(conf *config.Config) {
	client, err := client.NewClientFromConfig(conf)
	if err != nil {
		fmt.Printf("invalid config: %s\n", err.Error())
		os.Exit(1)
	}
	defer client.Close()

	addrs, err := client.OverlayAddrs(context.Background())
	if err != nil {
		fmt.Printf("failed to get overlay addrs: %s\n", err.Error())
		os.Exit(1)
	}

	output := overlayAddrsOutput{
		Addrs: addrs,
	}
	b, _ := yaml.Marshal(output)
	fmt.Println(string(b))
}
