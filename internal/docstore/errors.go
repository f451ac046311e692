package docstore

import "errors"

// Store error types.
var (
	// ErrNotFound is returned for absent or deleted documents. During
	// replication lag it is expected, not a failure.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when an expected revision is not current.
	ErrConflict  = errors.New("document update conflict")
	ErrInvalidID = errors.New("invalid document id")
	ErrBadRev    = errors.New("invalid revision")
	ErrClosed    = errors.New("store closed")
)
