// Package commands implements the canopy administrative CLI.
package commands

import (
	"fmt"

	"github.com/dyluth/canopy/internal/config"
	"github.com/dyluth/canopy/internal/printer"
	"github.com/spf13/cobra"
)

var versionString = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	tenantID   string
	output     string
	verbose    bool
}

// NewRootCmd builds the command tree. Each call returns independent flag state.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "canopy",
		Short: "Canopy - hierarchical multi-tenant context store",
		Long: `Canopy stores configuration and context data in a four-level hierarchy
(global, project, branch, task) per tenant. Lower levels inherit from higher
ones with shallow key override, and can delegate fragments upwards for review.

Nodes are addressed as LEVEL/ID, for example "project/web" or "task/t-42".
The global node is addressed as "global".

Every command operates on exactly one tenant, given with --tenant.`,
		Version: versionString,
		// Show help rather than silently succeeding when no subcommand is given
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			printer.Out = cmd.OutOrStdout()
			printer.Err = cmd.ErrOrStderr()
		},
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
		SilenceErrors:      true,
		SilenceUsage:       true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", config.DefaultPath, "Path to canopy.yml")
	pf.StringVarP(&flags.tenantID, "tenant", "t", "", "Tenant to operate on (required)")
	pf.StringVarP(&flags.output, "output", "o", "default", "Output format: default or json")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Log engine events to stderr")

	root.AddCommand(
		newInitCmd(flags),
		newResolveCmd(flags),
		newGetCmd(flags),
		newPutCmd(flags),
		newDeleteCmd(flags),
		newDelegateCmd(flags),
		newReviewCmd(flags),
		newPendingCmd(flags),
		newInvalidateCmd(flags),
		newWatchCmd(flags),
	)
	return root
}

// Execute runs the CLI with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	versionString = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}
