package chunk

import (
	"errors"

	"github.com/leafsync/leafsync/internal/docstore"
)

// Leaf store error types.
var (
	// ErrNotFound is docstore.ErrNotFound; a missing leaf may not have
	// replicated yet.
	ErrNotFound = docstore.ErrNotFound
	// ErrCollisionExhausted is returned when every probe suffix holds
	// different content.
	ErrCollisionExhausted = errors.New("leaf collision probe exhausted")
	// ErrNoPassphrase is returned for encrypted leaves when no passphrase is configured.
	ErrNoPassphrase = errors.New("leaf is encrypted but no passphrase is configured")
)
