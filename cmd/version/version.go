package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/stockvision/internal/buildinfo"
)

// Command prints build metadata.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "stockvision", buildinfo.Get())
		},
	}
}
