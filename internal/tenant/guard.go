// Package tenant implements the scope guard that every public canopy operation
// passes through before touching a store or cache.
//
// The tenant is always an explicit argument. Nothing in this package reads an
// ambient value; a Scope is an immutable value that is copied into goroutines,
// retries and callbacks rather than looked up from context on the far side.
package tenant

import (
	"fmt"
	"strings"

	"github.com/dyluth/canopy/pkg/hierarchy"
)

// Scope is the authenticated tenant of one inbound call.
type Scope struct {
	tenantID string
}

// NewScope validates an already-authenticated tenant id.
func NewScope(tenantID string) (Scope, error) {
	if tenantID == "" {
		return Scope{}, fmt.Errorf("%w: tenant id cannot be empty", hierarchy.ErrCrossTenantAccess)
	}
	if strings.ContainsAny(tenantID, ":| \t\n") {
		return Scope{}, fmt.Errorf("%w: tenant id %q contains a reserved character", hierarchy.ErrInvalidArgument, tenantID)
	}
	return Scope{tenantID: tenantID}, nil
}

// TenantID returns the tenant this scope was created for.
func (s Scope) TenantID() string {
	return s.tenantID
}

// Ref builds a reference owned by this scope's tenant.
func (s Scope) Ref(level hierarchy.Level, id string) hierarchy.NodeRef {
	return hierarchy.NodeRef{TenantID: s.tenantID, Level: level, ID: id}
}

// Check rejects ref unless it belongs to the scope's tenant and is well formed.
func (s Scope) Check(ref hierarchy.NodeRef) (hierarchy.NodeRef, error) {
	return Guard(s.tenantID, ref)
}

// Guard is the pure validation gate: it fails with ErrCrossTenantAccess if the
// ref is owned by a different tenant than the caller. It performs no I/O.
func Guard(tenantID string, ref hierarchy.NodeRef) (hierarchy.NodeRef, error) {
	if tenantID == "" {
		return hierarchy.NodeRef{}, fmt.Errorf("%w: caller tenant is empty", hierarchy.ErrCrossTenantAccess)
	}
	if ref.TenantID != tenantID {
		return hierarchy.NodeRef{}, fmt.Errorf("%w: caller %q requested %s", hierarchy.ErrCrossTenantAccess, tenantID, ref)
	}
	if err := ref.Validate(); err != nil {
		return hierarchy.NodeRef{}, fmt.Errorf("%w: %v", hierarchy.ErrInvalidArgument, err)
	}
	return ref, nil
}

// GuardNode checks a loaded record as well as the ref it was requested under.
// A store returning a record of another tenant is treated as a breach.
func GuardNode(tenantID string, node *hierarchy.ContextNode) error {
	if node == nil {
		return nil
	}
	if node.Ref.TenantID != tenantID {
		return fmt.Errorf("%w: store returned %s to tenant %q", hierarchy.ErrCrossTenantAccess, node.Ref, tenantID)
	}
	return nil
}

// GuardContext checks a cached or computed effective context.
func GuardContext(tenantID string, ec *hierarchy.EffectiveContext) error {
	if ec == nil {
		return nil
	}
	if ec.Ref.TenantID != tenantID {
		return fmt.Errorf("%w: effective context %s offered to tenant %q", hierarchy.ErrCrossTenantAccess, ec.Ref, tenantID)
	}
	return nil
}
