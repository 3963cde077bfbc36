package commands

import (
	"github.com/dyluth/canopy/internal/printer"
	"github.com/dyluth/canopy/internal/render"
	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/spf13/cobra"
)

// target is the parsed state shared by commands that act on one node.
type target struct {
	rt  *runtime
	ref hierarchy.NodeRef
}

// openTarget validates --tenant and the REF argument, then opens the runtime.
func openTarget(cmd *cobra.Command, flags *globalFlags, arg string) (*target, error) {
	tenantID, err := requireTenant(flags)
	if err != nil {
		return nil, err
	}
	ref, err := parseRef(tenantID, arg)
	if err != nil {
		return nil, err
	}
	rt, err := openRuntime(cmd.Context(), flags, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return &target{rt: rt, ref: ref}, nil
}

func newResolveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve REF",
		Short: "Show the effective context of a node",
		Long: `Resolve the effective context of a node by merging its ancestors from
global down to the node itself. A key set at a lower level replaces the
same key from above; values are never merged recursively.

Examples:
  canopy --tenant acme resolve task/t1
  canopy --tenant acme resolve project/web --output=json | jq .merged_data`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(flags)
			if err != nil {
				return err
			}
			tg, err := openTarget(cmd, flags, args[0])
			if err != nil {
				return err
			}
			defer tg.rt.Close()

			ec, err := tg.rt.svc.ResolveEffectiveContext(cmd.Context(), tg.ref.TenantID, tg.ref)
			if err != nil {
				return explain(err, tg.ref)
			}

			if format == render.OutputFormatJSON {
				return render.FormatJSON(cmd.OutOrStdout(), ec)
			}
			render.FormatEffective(cmd.OutOrStdout(), ec)
			return nil
		},
	}
}

func newGetCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get REF",
		Short: "Show the raw record of a node",
		Long: `Show a node exactly as stored, including its own data, version,
lineage, pending delegations and delegation history. Inherited keys are
not included; use "canopy resolve" for the merged view.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tg, err := openTarget(cmd, flags, args[0])
			if err != nil {
				return err
			}
			defer tg.rt.Close()

			node, err := tg.rt.svc.GetNode(cmd.Context(), tg.ref.TenantID, tg.ref)
			if err != nil {
				return explain(err, tg.ref)
			}
			return render.FormatJSON(cmd.OutOrStdout(), node)
		},
	}
}

func newPutCmd(flags *globalFlags) *cobra.Command {
	var (
		data      string
		projectID string
		branchID  string
	)

	cmd := &cobra.Command{
		Use:   "put REF --data JSON",
		Short: "Create or replace a node's own data",
		Long: `Create a node, or replace its own data wholesale. Keys not present in
--data are removed from the node (they may still be inherited).

Branches and tasks name their ancestors with --project and --branch.
A project's lineage is implied by its id.

Examples:
  canopy --tenant acme put global --data '{"theme":"dark"}'
  canopy --tenant acme put project/web --data @web.json
  canopy --tenant acme put task/t1 --project web --branch main --data '{}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readJSONObject(data, cmd.InOrStdin())
			if err != nil {
				return err
			}
			tg, err := openTarget(cmd, flags, args[0])
			if err != nil {
				return err
			}
			defer tg.rt.Close()

			lineage := hierarchy.Lineage{ProjectID: projectID, BranchID: branchID}
			version, err := tg.rt.svc.CreateOrUpdateNode(cmd.Context(), tg.ref.TenantID, tg.ref, lineage, payload)
			if err != nil {
				return explain(err, tg.ref)
			}

			printer.Success("Saved %s\n", tg.ref)
			printer.Detail("version", version)
			return nil
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "{}", "Node data as a JSON object, or @file (@- for stdin)")
	cmd.Flags().StringVar(&projectID, "project", "", "Project id in the node's lineage")
	cmd.Flags().StringVar(&branchID, "branch", "", "Branch id in the node's lineage")
	return cmd
}

func newDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete REF",
		Short: "Delete a node that has no descendants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tg, err := openTarget(cmd, flags, args[0])
			if err != nil {
				return err
			}
			defer tg.rt.Close()

			if err := tg.rt.svc.DeleteNode(cmd.Context(), tg.ref.TenantID, tg.ref); err != nil {
				return explain(err, tg.ref)
			}
			printer.Success("Deleted %s\n", tg.ref)
			return nil
		},
	}
}

func newInvalidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate REF",
		Short: "Drop cached contexts for a node and its descendants",
		Long: `Drop cached effective contexts for a node and every descendant, and
announce the invalidation to other processes when the invalidation bus is
enabled. Stored data is not changed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tg, err := openTarget(cmd, flags, args[0])
			if err != nil {
				return err
			}
			defer tg.rt.Close()

			if err := tg.rt.svc.Invalidate(cmd.Context(), tg.ref.TenantID, tg.ref); err != nil {
				return explain(err, tg.ref)
			}
			printer.Success("Invalidated %s\n", tg.ref)
			if tg.rt.bus == nil {
				printer.Warning("Invalidation bus disabled, only this process was affected\n")
			}
			return nil
		},
	}
}
