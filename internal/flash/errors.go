package flash

import "errors"

var (
	// ErrNotFound is returned by Get and Delete when no valid record
	// matches the requested key and index.
	ErrNotFound = errors.New("flash: not found")

	// ErrNoSpace is returned by Set and Add when the record does not fit
	// in the active region even after compaction.
	ErrNoSpace = errors.New("flash: no space")
)
