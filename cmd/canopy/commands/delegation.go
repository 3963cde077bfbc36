package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/canopy/internal/engine"
	"github.com/dyluth/canopy/internal/printer"
	"github.com/dyluth/canopy/internal/render"
	"github.com/dyluth/canopy/internal/resolver"
	"github.com/dyluth/canopy/internal/timespec"
	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/spf13/cobra"
)

func newDelegateCmd(flags *globalFlags) *cobra.Command {
	var (
		toLevel string
		payload string
		reason  string
	)

	cmd := &cobra.Command{
		Use:   "delegate SOURCE --to LEVEL --payload JSON",
		Short: "Escalate data from a node to one of its ancestors",
		Long: `Escalate a fragment of data from a node to the ancestor at --to. The
ancestor is taken from the source's stored lineage.

The configured auto-approval rules decide whether the payload is merged
into the ancestor at once or queued for review with "canopy review".

Examples:
  canopy --tenant acme delegate task/t1 --to project --payload '{"priority":"high"}' --reason "customer escalation"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := hierarchy.ParseLevel(toLevel)
			if err != nil {
				return printer.Error("invalid --to level", err.Error(), []string{"Valid targets: global, project, branch"})
			}
			data, err := readJSONObject(payload, cmd.InOrStdin())
			if err != nil {
				return err
			}
			tg, err := openTarget(cmd, flags, args[0])
			if err != nil {
				return err
			}
			defer tg.rt.Close()

			ctx := cmd.Context()
			source, err := tg.rt.svc.GetNode(ctx, tg.ref.TenantID, tg.ref)
			if err != nil {
				return explain(err, tg.ref)
			}
			targetRef, _, ok := hierarchy.AncestorLineage(tg.ref, source.Lineage, level)
			if !ok {
				return explain(fmt.Errorf("%w: %s has no %s ancestor", hierarchy.ErrInvalidDelegationTarget, tg.ref, level), tg.ref)
			}

			req, err := tg.rt.svc.Delegate(ctx, tg.ref.TenantID, engine.DelegateInput{
				Source:  tg.ref,
				Target:  targetRef,
				Payload: data,
				Reason:  reason,
			})
			if err != nil {
				return explain(err, targetRef)
			}

			if req.Status == hierarchy.DelegationStatusAutoApplied {
				printer.Success("Delegation auto-applied to %s\n", targetRef)
			} else {
				printer.Success("Delegation queued for review on %s\n", targetRef)
			}
			printer.Detail("id", req.ID)
			printer.Detail("status", req.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&toLevel, "to", "", "Ancestor level to delegate to (required)")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Payload as a JSON object, or @file (@- for stdin)")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Free-text justification")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func newReviewCmd(flags *globalFlags) *cobra.Command {
	var approve, reject bool

	cmd := &cobra.Command{
		Use:   "review TARGET DELEGATION_ID (--approve | --reject)",
		Short: "Approve or reject a pending delegation",
		Long: `Resolve a pending delegation on TARGET. An approved payload replaces the
target's keys of the same name; a rejected one is discarded. Either way the
request moves to the target's delegation history.

DELEGATION_ID may be shortened to a unique prefix of at least 6 characters.

Examples:
  canopy --tenant acme review project/web 0c6f3a2e --approve`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return printer.Error(
					"choose exactly one decision",
					"Pass either --approve or --reject.",
					nil,
				)
			}
			tg, err := openTarget(cmd, flags, args[0])
			if err != nil {
				return err
			}
			defer tg.rt.Close()

			ctx := cmd.Context()
			node, err := tg.rt.svc.GetNode(ctx, tg.ref.TenantID, tg.ref)
			if err != nil {
				return explain(err, tg.ref)
			}
			candidates := append(append([]hierarchy.DelegationRequest{}, node.PendingDelegations...), node.DelegationHistory...)
			delegationID, err := resolver.ResolveDelegationID(args[1], candidates)
			if err != nil {
				var ambiguous *resolver.AmbiguousError
				if errors.As(err, &ambiguous) {
					return printer.Error("ambiguous delegation id", resolver.FormatAmbiguousError(ambiguous), nil)
				}
				return explain(err, tg.ref)
			}

			req, err := tg.rt.svc.ResolveDelegation(ctx, tg.ref.TenantID, tg.ref, delegationID, approve)
			if err != nil {
				return explain(err, tg.ref)
			}

			printer.Success("Delegation %s %s\n", req.ID, req.Status)
			printer.Detail("source", req.Source)
			return nil
		},
	}

	cmd.Flags().BoolVar(&approve, "approve", false, "Merge the payload into the target")
	cmd.Flags().BoolVar(&reject, "reject", false, "Discard the payload")
	cmd.MarkFlagsMutuallyExclusive("approve", "reject")
	return cmd
}

func newPendingCmd(flags *globalFlags) *cobra.Command {
	var (
		since   string
		until   string
		source  string
		history bool
	)

	cmd := &cobra.Command{
		Use:   "pending TARGET",
		Short: "List delegations awaiting review on a node",
		Long: `List the delegations awaiting review on TARGET, oldest first. With
--history, list resolved and auto-applied delegations instead.

Filters:
  --since   - Created after this time (duration or RFC3339)
  --until   - Created before this time (duration or RFC3339)
  --source  - Source glob on "level/id", e.g. "task/*"

Examples:
  canopy --tenant acme pending project/web
  canopy --tenant acme pending project/web --history --since=24h --output=json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(flags)
			if err != nil {
				return err
			}
			now := time.Now()
			sinceT, untilT, err := timespec.ParseRange(since, until, now)
			if err != nil {
				return printer.Error("invalid time filter", err.Error(), nil)
			}
			tg, err := openTarget(cmd, flags, args[0])
			if err != nil {
				return err
			}
			defer tg.rt.Close()

			ctx := cmd.Context()
			var delegations []hierarchy.DelegationRequest
			if history {
				node, err := tg.rt.svc.GetNode(ctx, tg.ref.TenantID, tg.ref)
				if err != nil {
					return explain(err, tg.ref)
				}
				delegations = node.DelegationHistory
			} else {
				delegations, err = tg.rt.svc.ListPending(ctx, tg.ref.TenantID, tg.ref)
				if err != nil {
					return explain(err, tg.ref)
				}
			}

			filter := render.DelegationFilter{Since: sinceT, Until: untilT, SourceGlob: source}
			delegations = filter.Apply(delegations)

			if format == render.OutputFormatJSON {
				return render.FormatJSONL(cmd.OutOrStdout(), delegations)
			}
			render.FormatDelegations(cmd.OutOrStdout(), tg.ref, delegations, now)
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "Show delegations created after time (duration or RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "Show delegations created before time (duration or RFC3339)")
	cmd.Flags().StringVar(&source, "source", "", "Filter by source (glob on level/id)")
	cmd.Flags().BoolVar(&history, "history", false, "List resolved delegations instead of pending ones")
	return cmd
}
