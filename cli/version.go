package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spicemcp/spice/pkg/version"
)

// VersionCmd returns the version command
func VersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "spice %s (commit %s, built %s)\n",
				info.Version, info.CommitHash, info.BuildDate)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print build information as JSON")
	return cmd
}
