// Package cli implements the limitguard command line interface.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root limitguard command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "limitguard",
		Short: "Distributed rate limiting and abuse detection",
		Long: `Limitguard enforces per-endpoint, per-tier rate limits backed by a
shared counter store, detects abuse patterns in the denial stream and
quarantines repeat offenders.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newSimulateCmd(),
		newUsageCmd(),
		newUnblockCmd(),
		newResetCmd(),
		newInitConfigCmd(),
	)

	return root
}
