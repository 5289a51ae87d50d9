package storage

import "errors"

var (
	// ErrNotFound covers both a missing entity and a stale precondition
	// checksum; the two are deliberately indistinguishable.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a repo or scope with that name already exists.
	ErrConflict = errors.New("already exists")

	// ErrForbidden means the acting identity does not own the blob it is
	// trying to claim.
	ErrForbidden = errors.New("forbidden")

	// ErrNoChanges is returned for a patch with an empty change set.
	ErrNoChanges = errors.New("no changes")

	// ErrInsufficientStorage means the backing store could not allocate a
	// blob id.
	ErrInsufficientStorage = errors.New("cannot create storage entry")
)
