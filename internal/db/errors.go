package db

import "errors"

// Sentinel errors returned by the stores. Callers match with errors.Is;
// everything else that comes back is an infrastructure error wrapped
// with %w and context.
var (
	// ErrNotFound means the entity id did not resolve.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate means an enqueue was skipped because a sent entry
	// already exists for the (user, contract) pair. Callers treat it as
	// success-with-skip, never as a hard failure.
	ErrDuplicate = errors.New("duplicate: already sent for user and contract")

	// ErrInvalidState means a state-machine transition was attempted from a
	// terminal or incompatible status.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrIncompleteContract means a contract cannot drive matching: it is
	// unpublished or has no category.
	ErrIncompleteContract = errors.New("contract unpublished or missing category")
)
