package entry

import (
	"errors"
	"fmt"
)

// ErrIntegrityMismatch is logged when assembled content disagrees with the
// declared entry size. The size is advisory so reads still succeed.
var ErrIntegrityMismatch = errors.New("assembled size does not match entry size")

// MissingLeafError reports a leaf that could not be read after waiting for
// it to replicate. The entry is flagged for operator attention.
type MissingLeafError struct {
	EntryID string
	LeafID  string
	Err     error
}

func (e *MissingLeafError) Error() string {
	return fmt.Sprintf("entry %s: leaf %s unavailable: %v", e.EntryID, e.LeafID, e.Err)
}

func (e *MissingLeafError) Unwrap() error { return e.Err }
