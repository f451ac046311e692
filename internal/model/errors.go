package model

import "errors"

// Model error types.
var (
	ErrUnknownKind    = errors.New("unknown document kind")
	ErrUnexpectedKind = errors.New("unexpected document kind")
)
