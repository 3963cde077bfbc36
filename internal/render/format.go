// Package render formats nodes, effective contexts and delegations for the
// CLI as tables or JSON.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dyluth/canopy/pkg/hierarchy"
)

// OutputFormat selects table or machine-readable output.
type OutputFormat string

const (
	// OutputFormatDefault is a human-readable table
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON is pretty JSON for single values and JSONL for lists
	OutputFormatJSON OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSON:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("unknown output format %q (valid: default, json)", s)
	}
}

// FormatEffective writes the merged data of ec, one key per row in key order,
// followed by the versions it was resolved from.
func FormatEffective(w io.Writer, ec *hierarchy.EffectiveContext) {
	fmt.Fprintf(w, "Effective context for %s:\n\n", ec.Ref)

	if len(ec.MergedData) == 0 {
		fmt.Fprintf(w, "  (empty)\n")
	} else {
		fmt.Fprintf(w, "%-24s %s\n", "KEY", "VALUE")
		fmt.Fprintf(w, "%-24s %s\n", strings.Repeat("-", 24), strings.Repeat("-", 40))
		for _, key := range slices.Sorted(maps.Keys(ec.MergedData)) {
			fmt.Fprintf(w, "%-24s %s\n", truncate(key, 24), formatValue(ec.MergedData[key]))
		}
	}

	fmt.Fprintf(w, "\nSources: %s\n", formatSources(ec.SourceVersions))
}

// FormatDelegations writes delegations as a table and returns how many were written.
func FormatDelegations(w io.Writer, target hierarchy.NodeRef, delegations []hierarchy.DelegationRequest, now time.Time) int {
	if len(delegations) == 0 {
		fmt.Fprintf(w, "No delegations found for %s\n", target)
		return 0
	}

	fmt.Fprintf(w, "Delegations for %s:\n\n", target)
	fmt.Fprintf(w, "%-10s %-14s %-20s %-8s %-30s %s\n",
		"ID", "STATUS", "SOURCE", "AGE", "PAYLOAD", "REASON")
	fmt.Fprintf(w, "%-10s %-14s %-20s %-8s %-30s %s\n",
		"----------", "--------------", "--------------------", "--------",
		"------------------------------", "--------------------")

	for _, d := range delegations {
		fmt.Fprintf(w, "%-10s %-14s %-20s %-8s %-30s %s\n",
			formatID(d.ID),
			d.Status,
			truncate(d.Source.Level.String()+"/"+d.Source.ID, 20),
			formatAge(d.CreatedAt, now),
			truncate(formatValue(d.Payload), 30),
			orDash(d.Reason),
		)
	}

	noun := "delegation"
	if len(delegations) != 1 {
		noun = "delegations"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(delegations), noun)
	return len(delegations)
}

// FormatJSON writes v as indented JSON followed by a newline.
func FormatJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	return nil
}

// FormatJSONL writes each delegation as one compact JSON line.
func FormatJSONL(w io.Writer, delegations []hierarchy.DelegationRequest) error {
	enc := json.NewEncoder(w)
	for i := range delegations {
		if err := enc.Encode(&delegations[i]); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// formatID shortens a UUID to its first 8 characters.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatValue renders a value as compact JSON, truncated to 40 characters.
func formatValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return truncate(string(data), 40)
}

func formatSources(versions map[hierarchy.Level]int64) string {
	parts := make([]string, 0, len(versions))
	for _, level := range slices.Sorted(maps.Keys(versions)) {
		v := versions[level]
		if v == 0 {
			parts = append(parts, level.String()+"=absent")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=v%d", level, v))
	}
	return strings.Join(parts, " ")
}

// formatAge renders the time since t as "5s ago", "3m ago", "2h ago" or "4d ago".
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
