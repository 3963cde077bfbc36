package render

import (
	"path/filepath"
	"time"

	"github.com/dyluth/canopy/pkg/hierarchy"
)

// DelegationFilter narrows a delegation list. All set fields are ANDed.
type DelegationFilter struct {
	Since      time.Time // zero = no lower bound
	Until      time.Time // zero = no upper bound
	SourceGlob string    // matched against "level/id" of the source
	Status     hierarchy.DelegationStatus
}

// Matches reports whether d passes every criterion.
func (f DelegationFilter) Matches(d hierarchy.DelegationRequest) bool {
	if !f.Since.IsZero() && d.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && d.CreatedAt.After(f.Until) {
		return false
	}
	if f.SourceGlob != "" {
		matched, err := filepath.Match(f.SourceGlob, d.Source.Level.String()+"/"+d.Source.ID)
		if err != nil || !matched {
			return false
		}
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	return true
}

// Apply returns the delegations that match, preserving order.
func (f DelegationFilter) Apply(in []hierarchy.DelegationRequest) []hierarchy.DelegationRequest {
	out := make([]hierarchy.DelegationRequest, 0, len(in))
	for _, d := range in {
		if f.Matches(d) {
			out = append(out, d)
		}
	}
	return out
}
