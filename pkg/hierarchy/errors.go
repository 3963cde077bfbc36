package hierarchy

import "errors"

// Error taxonomy. Components wrap these sentinels with context using
// fmt.Errorf("...: %w", ...); callers classify with errors.Is.
var (
	// ErrCrossTenantAccess is fatal and never partially applied.
	ErrCrossTenantAccess = errors.New("cross-tenant access denied")

	// ErrNodeNotFound is recoverable; callers may create the node.
	ErrNodeNotFound = errors.New("context node not found")

	// ErrInvalidDelegationTarget marks a target that is not a strict ancestor of the source.
	ErrInvalidDelegationTarget = errors.New("invalid delegation target")

	// ErrDelegationNotFound is returned when no request with the id exists on the target.
	ErrDelegationNotFound = errors.New("delegation not found")

	// ErrDelegationAlreadyResolved guards against resolving a request twice.
	ErrDelegationAlreadyResolved = errors.New("delegation already resolved")

	// ErrConflict is an optimistic concurrency conflict; re-read and retry.
	ErrConflict = errors.New("version conflict")

	// ErrTimeout is returned when a deadline expires before the operation applied anything.
	ErrTimeout = errors.New("operation timed out")

	// ErrStoreUnavailable means the backing store could not be reached; retry with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidLineage means a node's ancestor ids contradict existing records.
	ErrInvalidLineage = errors.New("invalid lineage")

	// ErrHasDescendants rejects deleting a node that still has children.
	ErrHasDescendants = errors.New("node has descendants")

	// ErrInvalidArgument marks malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// IsRetryable reports whether retrying with identical arguments may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrStoreUnavailable)
}

// IsNotFound returns true if the error reports a missing node.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNodeNotFound)
}
