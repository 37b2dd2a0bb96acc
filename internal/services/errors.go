package services

import "errors"

// Sentinel errors returned by the lifecycle engines. Callers match with
// errors.Is; the wrapping message names the entity and the violated rule
// so operator UIs can render it directly.
var (
	// ErrNotFound indicates the referenced ticket, cluster, or merge
	// operation does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidCluster indicates a membership size or ownership violation
	ErrInvalidCluster = errors.New("invalid cluster")

	// ErrInvalidTransition indicates an operation attempted from a terminal
	// or wrong state
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrRevertWindowExpired indicates a revert attempted after the deadline
	ErrRevertWindowExpired = errors.New("revert window expired")

	// ErrConflict indicates a concurrent-mutation race was lost. The caller
	// may retry; this service never retries on its own.
	ErrConflict = errors.New("conflict")
)
