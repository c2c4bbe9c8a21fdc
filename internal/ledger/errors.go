package ledger

import "errors"

var (
	// ErrRunNotFound is returned when a sequence run ID does not exist.
	ErrRunNotFound = errors.New("ledger: sequence run not found")

	// ErrRunExists is returned when creating a run with a duplicate ID.
	ErrRunExists = errors.New("ledger: sequence run already exists")

	// ErrProcessingRunNotFound is returned when a processing run ID does not exist.
	ErrProcessingRunNotFound = errors.New("ledger: processing run not found")
)
