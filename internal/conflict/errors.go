package conflict

import "errors"

// Conflict error types.
var (
	// ErrStaleDecision is returned when a decision names revisions that are
	// no longer the ones in conflict.
	ErrStaleDecision = errors.New("decision does not match current conflicting revisions")
	// ErrUnreadable is returned when neither conflicting revision can be
	// read. Nothing is deleted.
	ErrUnreadable = errors.New("no conflicting revision is readable")
	ErrBadChoice  = errors.New("unknown resolution choice")
)
