package replication

import (
	"errors"
	"fmt"
)

// Replication error types.
var (
	// ErrRemoteIncompatible blocks all replication until an operator migrates
	// the remote or accepts this node.
	ErrRemoteIncompatible = errors.New("remote is incompatible")
	ErrRemoteTooNew       = fmt.Errorf("%w: remote was written by a newer version", ErrRemoteIncompatible)
	ErrNodeNotAccepted    = fmt.Errorf("%w: remote is locked and this node is not accepted", ErrRemoteIncompatible)

	ErrNoRemote       = errors.New("no remote configured")
	ErrLockContention = errors.New("milestone changed concurrently too many times")
	ErrClosed         = errors.New("orchestrator closed")
)

// TransportError is a failure talking to a store during replication. It is
// retried under live mode and reported once per distinct message otherwise.
type TransportError struct {
	Direction Direction
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Direction, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportErr(dir Direction, op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Direction: dir, Op: op, Err: err}
}
