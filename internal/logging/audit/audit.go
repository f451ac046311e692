// Package audit records operator actions that change what replicas keep:
// conflict decisions, remote lock changes and garbage collection.
package audit

import (
	"time"

	"github.com/rs/zerolog"
)

// Result values.
const (
	ResultApplied = "applied"
	ResultFailed  = "failed"
	ResultDenied  = "denied"
)

// Logger writes audit events with a fixed event_type field per kind.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger on top of logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Bool("audit", true).Logger()}
}

func (l *Logger) event(err error, result string) *zerolog.Event {
	switch {
	case err != nil:
		return l.logger.Warn().Str("result", ResultFailed).Err(err)
	case result == ResultDenied:
		return l.logger.Warn().Str("result", result)
	default:
		return l.logger.Info().Str("result", result)
	}
}

// LogResolve records a conflict decision for path.
// choice: keep_left, keep_right or concat
func (l *Logger) LogResolve(nodeID, path, choice, leftRev, rightRev string, err error) {
	l.event(err, ResultApplied).
		Str("event_type", "conflict_resolve").
		Str("node_id", nodeID).
		Str("path", path).
		Str("choice", choice).
		Str("left_rev", leftRev).
		Str("right_rev", rightRev).
		Msg("Conflict resolved")
}

// LogMilestone records a remote lock change.
// action: lock, unlock or mark_resolved
func (l *Logger) LogMilestone(nodeID, remote, action string, accepted []string, err error) {
	event := l.event(err, ResultApplied).
		Str("event_type", "milestone").
		Str("node_id", nodeID).
		Str("remote", remote).
		Str("action", action)
	if accepted != nil {
		event = event.Strs("accepted_nodes", accepted)
	}
	event.Msg("Remote milestone changed")
}

// LogDenied records a replication attempt the remote refused.
func (l *Logger) LogDenied(nodeID, remote, reason string) {
	l.event(nil, ResultDenied).
		Str("event_type", "replication_denied").
		Str("node_id", nodeID).
		Str("remote", remote).
		Str("reason", reason).
		Msg("Replication denied")
}

// LogGC records a garbage collection run.
func (l *Logger) LogGC(store string, deleted, skipped, failed int, took time.Duration, err error) {
	l.event(err, ResultApplied).
		Str("event_type", "gc").
		Str("store", store).
		Int("deleted", deleted).
		Int("skipped", skipped).
		Int("delete_errors", failed).
		Dur("duration", took).
		Msg("Garbage collection")
}

// LogCheckpointReset records that replication checkpoints were dropped and
// the next pass rescans from the start.
func (l *Logger) LogCheckpointReset(nodeID, remote string, err error) {
	l.event(err, ResultApplied).
		Str("event_type", "checkpoint_reset").
		Str("node_id", nodeID).
		Str("remote", remote).
		Msg("Replication checkpoints reset")
}
