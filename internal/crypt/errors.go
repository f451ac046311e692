package crypt

import "errors"

// Crypt error types.
var (
	// ErrDecryption means the payload could not be opened: wrong passphrase or
	// corruption. Recovery is re-entering the passphrase, not re-syncing.
	ErrDecryption      = errors.New("decryption failed (wrong passphrase or corrupted payload)")
	ErrEmptyPassphrase = errors.New("passphrase is empty")
)
