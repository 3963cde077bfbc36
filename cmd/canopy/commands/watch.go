package commands

import (
	"os/signal"
	"syscall"

		"github.com/dyluth/canopy/internal/printer"
	"github.com/dyluth/canopy/internal/watch"
	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/spf13/cobra"
)

func newWatchCmd(flags *globalFlags) *cobra.Command {
	var allTenants bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream cross-process invalidation events",
		Long: `Stream invalidation events published by every canopy process sharing the
invalidation bus. Requires invalidation.enabled in canopy.yml.

Output Formats:
  default - One line per event with timestamp and origin
  json    - Line-delimited JSON for programmatic processing

Examples:
  canopy --tenant acme watch
  canopy watch --all-tenants --output=json > events.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(flags)
			if err != nil {
				return err
			}
			tenantID := ""
			if !allTenants {
				if tenantID, err = requireTenant(flags); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.bus == nil {
				return printer.Error(
					"invalidation bus disabled",
					"watch needs the Redis invalidation bus.",
					[]string{"Enable it in canopy.yml:\n  invalidation:\n    enabled: true"},
				)
			}

			sub, err := rt.bus.Subscribe(ctx)
			if err != nil {
				return printer.Error("subscribe failed", err.Error(), nil)
			}
			defer sub.Close()

			printer.Step("Watching invalidations on %s\n", hierarchy.InvalidationChannel())
			return watch.StreamInvalidations(ctx, sub, tenantID, watch.OutputFormat(format), cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&allTenants, "all-tenants", false, "Stream events for every tenant")
	return cmd
}
