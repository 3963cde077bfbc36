package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dyluth/canopy/internal/printer"
	"github.com/dyluth/canopy/internal/render"
	"github.com/dyluth/canopy/pkg/hierarchy"
)

// requireTenant returns the --tenant value or a formatted error.
func requireTenant(flags *globalFlags) (string, error) {
	if flags.tenantID == "" {
		return "", printer.Error(
			"tenant is required",
			"Every canopy command operates on exactly one tenant.",
			[]string{"Pass the tenant explicitly:\n  canopy --tenant acme resolve task/t1"},
		)
	}
	return flags.tenantID, nil
}

// parseRef turns "global" or "LEVEL/ID" into a NodeRef for tenantID.
func parseRef(tenantID, s string) (hierarchy.NodeRef, error) {
	if s == hierarchy.LevelGlobal.String() {
		return hierarchy.Global(tenantID), nil
	}

	levelStr, id, ok := strings.Cut(s, "/")
	if !ok || id == "" {
		return hierarchy.NodeRef{}, printer.Error(
			fmt.Sprintf("invalid node reference %q", s),
			"Nodes are addressed as LEVEL/ID, or \"global\" for the tenant's global node.",
			[]string{"Examples:\n  project/web\n  branch/main\n  task/t-42"},
		)
	}
	level, err := hierarchy.ParseLevel(levelStr)
	if err != nil {
		return hierarchy.NodeRef{}, printer.Error(
			fmt.Sprintf("invalid node reference %q", s),
			err.Error(),
			[]string{"Valid levels: global, project, branch, task"},
		)
	}

	ref := hierarchy.NodeRef{TenantID: tenantID, Level: level, ID: id}
	if err := ref.Validate(); err != nil {
		return hierarchy.NodeRef{}, printer.Error(fmt.Sprintf("invalid node reference %q", s), err.Error(), nil)
	}
	return ref, nil
}

// readJSONObject decodes a JSON object given inline, or from a file when the
// value starts with "@" ("@-" reads stdin).
func readJSONObject(value string, stdin io.Reader) (map[string]any, error) {
	raw := []byte(value)
	if name, ok := strings.CutPrefix(value, "@"); ok {
		var err error
		if name == "-" {
			raw, err = io.ReadAll(stdin)
		} else {
			raw, err = os.ReadFile(name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", value, err)
		}
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, printer.Error(
			"invalid JSON object",
			err.Error(),
			[]string{"Pass a JSON object, e.g. '{\"theme\":\"dark\"}', or @file.json"},
		)
	}
	return data, nil
}

func outputFormat(flags *globalFlags) (render.OutputFormat, error) {
	f, err := render.ParseOutputFormat(flags.output)
	if err != nil {
		return "", printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, json"})
	}
	return f, nil
}

// explain converts engine errors into formatted CLI errors.
func explain(err error, ref hierarchy.NodeRef) error {
	details := map[string]string{"Node": ref.String()}

	switch {
	case errors.Is(err, hierarchy.ErrNodeNotFound):
		return printer.ErrorWithContext("node not found", err.Error(), details,
			[]string{fmt.Sprintf("Create it first:\n  canopy --tenant %s put %s/%s --data '{}'", ref.TenantID, ref.Level, ref.ID)})
	case errors.Is(err, hierarchy.ErrCrossTenantAccess):
		return printer.ErrorWithContext("cross-tenant access denied", err.Error(), details, nil)
	case errors.Is(err, hierarchy.ErrInvalidLineage):
		return printer.ErrorWithContext("invalid lineage", err.Error(), details,
			[]string{"Pass the ancestors the node is recorded under with --project and --branch"})
	case errors.Is(err, hierarchy.ErrInvalidDelegationTarget):
		return printer.ErrorWithContext("invalid delegation target", err.Error(), details,
			[]string{"Delegate to a level above the source: global, project or branch"})
	case errors.Is(err, hierarchy.ErrDelegationNotFound):
		return printer.ErrorWithContext("delegation not found", err.Error(), details,
			[]string{fmt.Sprintf("List pending delegations:\n  canopy --tenant %s pending %s/%s", ref.TenantID, ref.Level, ref.ID)})
	case errors.Is(err, hierarchy.ErrDelegationAlreadyResolved):
		return printer.ErrorWithContext("delegation already resolved", err.Error(), details, nil)
	case errors.Is(err, hierarchy.ErrHasDescendants):
		return printer.ErrorWithContext("node has descendants", err.Error(), details,
			[]string{"Delete the node's children first"})
	case errors.Is(err, hierarchy.ErrConflict):
		return printer.ErrorWithContext("version conflict", err.Error(), details,
			[]string{"Another writer updated the node; retry the command"})
	case errors.Is(err, hierarchy.ErrTimeout):
		return printer.ErrorWithContext("operation timed out", err.Error(), details,
			[]string{"Retry, or raise locks.operation_timeout in canopy.yml"})
	case errors.Is(err, hierarchy.ErrStoreUnavailable):
		return printer.ErrorWithContext("store unavailable", err.Error(), details, nil)
	case errors.Is(err, hierarchy.ErrInvalidArgument):
		return printer.ErrorWithContext("invalid argument", err.Error(), details, nil)
	default:
		return printer.ErrorWithContext("operation failed", err.Error(), details, nil)
	}
}
