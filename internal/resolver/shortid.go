// Package resolver expands short delegation id prefixes to full UUIDs.
package resolver

import (
	"fmt"
	"strings"

	"github.com/dyluth/canopy/pkg/hierarchy"
)

// MinShortIDLength is the minimum required length for short ID prefixes.
const MinShortIDLength = 6

// ResolveDelegationID resolves a short id prefix against the delegations of
// one node. A full UUID is returned unchanged, even when unknown, so that the
// engine reports the precise not-found or already-resolved error.
func ResolveDelegationID(shortID string, delegations []hierarchy.DelegationRequest) (string, error) {
	if len(shortID) == 36 && strings.Count(shortID, "-") == 4 {
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	var matches []string
	seen := make(map[string]bool)
	for _, d := range delegations {
		if strings.HasPrefix(d.ID, shortID) && !seen[d.ID] {
			seen[d.ID] = true
			matches = append(matches, d.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no delegation matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no delegations found matching '%s'", e.ShortID)
}

// Unwrap lets callers match hierarchy.ErrDelegationNotFound.
func (e *NotFoundError) Unwrap() error {
	return hierarchy.ErrDelegationNotFound
}

// AmbiguousError indicates multiple delegations matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d delegations", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError lists the matching ids (up to 10, then "...and N more").
func FormatAmbiguousError(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Short ID '%s' matches %d delegations:\n", err.ShortID, len(err.Matches))

	displayCount := min(len(err.Matches), 10)
	for i := 0; i < displayCount; i++ {
		fmt.Fprintf(&b, "  %s\n", err.Matches[i])
	}
	if len(err.Matches) > 10 {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-10)
	}

	b.WriteString("\nUse a longer prefix to uniquely identify the delegation.")
	return b.String()
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
