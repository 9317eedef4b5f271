package learning

import "errors"

// Errors shared across the subsystem. Callers wrap them with context and
// test with errors.Is.
var (
	// ErrConflict is returned when a scope lock could not be acquired in time.
	ErrConflict = errors.New("learning: scope lock contention")

	// ErrPersistence is returned when the gateway keeps failing after retries.
	ErrPersistence = errors.New("learning: persistence failure")

	// ErrExtraction is returned when the extractor keeps failing after retries.
	ErrExtraction = errors.New("learning: extraction failure")

	// ErrMalformedOutput is returned by extractors whose output cannot be parsed.
	ErrMalformedOutput = errors.New("learning: malformed extractor output")

	// ErrDraftNotFound is returned for unknown, rejected or expired drafts.
	ErrDraftNotFound = errors.New("learning: draft not found")

	// ErrUnsupportedMode is returned when a store is configured with a mode it
	// does not support.
	ErrUnsupportedMode = errors.New("learning: unsupported mode")

	// ErrNotFound is returned when an operation targets a record that is not
	// active in the scope.
	ErrNotFound = errors.New("learning: record not found")

	// ErrInvalidOp is returned for operations that are malformed for their kind.
	ErrInvalidOp = errors.New("learning: invalid operation")

	// ErrClosed is returned when enqueueing into a stopped scheduler.
	ErrClosed = errors.New("learning: scheduler closed")
)
