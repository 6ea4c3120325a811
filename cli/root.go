package cli

import (
	"github.com/spf13/cobra"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "spice",
		Short:         "MCP server for Dune Analytics",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return SetupGlobalConfig(cmd)
		},
	}
	addGlobalFlags(root)

	root.AddCommand(
		ServeCmd(),
		QueryCmd(),
		HistoryCmd(),
		VersionCmd(),
	)

	return root
}
