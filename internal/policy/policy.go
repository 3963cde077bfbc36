// Package policy builds the delegation auto-approval predicate from
// configuration rules.
package policy

import (
	"fmt"

	"github.com/dyluth/canopy/internal/config"
	"github.com/dyluth/canopy/pkg/hierarchy"
)

// Rule approves delegations from From to To whose payload satisfies the
// key constraints.
type Rule struct {
	From    hierarchy.Level
	To      hierarchy.Level
	Keys    map[string]struct{} // nil allows any key
	MaxKeys int                 // 0 allows any size
}

// Matches reports whether the rule approves the delegation.
func (r Rule) Matches(source, target hierarchy.Level, payload map[string]any) bool {
	if r.From != source || r.To != target {
		return false
	}
	if r.MaxKeys > 0 && len(payload) > r.MaxKeys {
		return false
	}
	if r.Keys != nil {
		for k := range payload {
			if _, ok := r.Keys[k]; !ok {
				return false
			}
		}
	}
	return true
}

// Policy approves a delegation if any rule matches. The zero Policy approves
// nothing.
type Policy struct {
	rules []Rule
}

// New creates a Policy from rules.
func New(rules ...Rule) *Policy {
	return &Policy{rules: append([]Rule(nil), rules...)}
}

// FromConfig converts configuration rules, validating their levels.
func FromConfig(rules []config.AutoApproveRule) (*Policy, error) {
	out := make([]Rule, 0, len(rules))
	for i, rc := range rules {
		if err := rc.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		from, _ := hierarchy.ParseLevel(rc.From)
		to, _ := hierarchy.ParseLevel(rc.To)

		rule := Rule{From: from, To: to, MaxKeys: rc.MaxKeys}
		if len(rc.Keys) > 0 {
			rule.Keys = make(map[string]struct{}, len(rc.Keys))
			for _, k := range rc.Keys {
				rule.Keys[k] = struct{}{}
			}
		}
		out = append(out, rule)
	}
	return New(out...), nil
}

// ShouldAutoApprove has the engine.AutoApprovePolicy signature.
func (p *Policy) ShouldAutoApprove(source, target hierarchy.Level, payload map[string]any) bool {
	if p == nil {
		return false
	}
	for _, r := range p.rules {
		if r.Matches(source, target, payload) {
			return true
		}
	}
	return false
}

// Len returns the number of rules.
func (p *Policy) Len() int {
	if p == nil {
		return 0
	}
	return len(p.rules)
}
