package commands

import (
	"github.com/dyluth/canopy/internal/config"
	"github.com/dyluth/canopy/internal/printer"
	"github.com/dyluth/canopy/internal/scaffold"
	"github.com/spf13/cobra"
)

func newInitCmd(flags *globalFlags) *cobra.Command {
	var (
		backend string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter canopy.yml",
		Long: `Write a starter configuration to the --config path (canopy.yml by default)
for the chosen store backend. Existing files are kept unless --force is given.

Examples:
  canopy init --backend sqlite
  canopy init --backend redis --config /etc/canopy/canopy.yml --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := scaffold.Initialize(flags.configPath, backend, force); err != nil {
				return printer.Error("init failed", err.Error(), nil)
			}

			printer.Success("Wrote %s\n", flags.configPath)
			printer.Detail("backend", backend)
			printer.Info("\nNext steps:\n")
			printer.Info("  1. Review store and delegation settings in %s\n", flags.configPath)
			printer.Info("  2. Create the tenant's global node:\n       canopy --tenant <tenant> put global --data '{}'\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&backend, "backend", config.BackendSQLite, "Store backend: memory, redis, postgres or sqlite")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}
