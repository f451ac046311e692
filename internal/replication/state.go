package replication

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leafsync/leafsync/internal/metrics"
)

// State is the orchestrator's connection state.
//
//	NOT_CONNECTED -> CONNECTED -> COMPLETED | PAUSED | ERRORED | CLOSED
//
// Live mode cycles between CONNECTED and PAUSED.
type State string

// States.
const (
	StateNotConnected State = "not_connected"
	StateConnected    State = "connected"
	StatePaused       State = "paused"
	StateCompleted    State = "completed"
	StateErrored      State = "errored"
	StateClosed       State = "closed"
)

func (s State) gauge() int {
	switch s {
	case StateConnected:
		return metrics.StateConnected
	case StatePaused:
		return metrics.StatePaused
	case StateCompleted:
		return metrics.StateCompleted
	case StateErrored:
		return metrics.StateErrored
	case StateClosed:
		return metrics.StateClosed
	default:
		return metrics.StateNotConnected
	}
}

// Direction of a replication pass.
type Direction string

// Directions.
const (
	Push Direction = "push"
	Pull Direction = "pull"
	Sync Direction = "sync"
)

// EventType classifies an Event.
type EventType string

// Event types.
const (
	EventActive   EventType = "active"
	EventProgress EventType = "change"
	EventComplete EventType = "complete"
	EventPaused   EventType = "paused"
	EventDenied   EventType = "denied"
	EventError    EventType = "error"
)

// Event is delivered to the Observer as replication proceeds.
type Event struct {
	Type        EventType
	Direction   Direction
	Transferred int // documents written so far in this run
	Total       int // documents known to need transfer, when known
	Err         error
	Time        time.Time
}

// Observer receives events. It is called synchronously and must not block.
type Observer func(Event)

// Status is a snapshot of the orchestrator.
type Status struct {
	State       State
	NodeID      string
	Transferred int
	LastError   string
	LastSync    time.Time
}

type statusTracker struct {
	mu      sync.RWMutex
	status  Status
	metrics *metrics.Metrics
}

func (t *statusTracker) set(s State) {
	t.mu.Lock()
	t.status.State = s
	t.mu.Unlock()
	t.metrics.SetReplicationState(s.gauge())
}

func (t *statusTracker) update(fn func(*Status)) {
	t.mu.Lock()
	fn(&t.status)
	t.mu.Unlock()
}

func (t *statusTracker) get() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// errorThrottle logs the first occurrence of an error message at error
// level and repeats at info until reset.
type errorThrottle struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func (t *errorThrottle) report(logger zerolog.Logger, err error, msg string) {
	t.mu.Lock()
	if t.seen == nil {
		t.seen = make(map[string]struct{})
	}
	_, repeated := t.seen[err.Error()]
	t.seen[err.Error()] = struct{}{}
	t.mu.Unlock()

	if repeated {
		logger.Info().Err(err).Msg(msg)
		return
	}
	logger.Error().Err(err).Msg(msg)
}

func (t *errorThrottle) reset() {
	t.mu.Lock()
	t.seen = nil
	t.mu.Unlock()
}
