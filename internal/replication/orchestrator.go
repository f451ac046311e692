// Package replication drives replication between the local store and a
// remote replica. Every session is gated by a preflight that checks the
// remote's version marker and milestone lock; garbage collection reclaims
// leaves no entry revision references.
package replication

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/leafsync/leafsync/internal/docstore"
	"github.com/leafsync/leafsync/internal/metrics"
)

// Defaults.
const (
	DefaultBatchSize   = 100
	DefaultConcurrency = 4
	DefaultHeartbeat   = 30 * time.Second
	DefaultRetryMin    = time.Second
	DefaultRetryMax    = time.Minute
	DefaultPassRate    = 2.0 // live passes per second
	DefaultGCBatchSize = 100
)

// Migration upgrades a remote from version-1 to the version it is
// registered under.
type Migration func(ctx context.Context, remote docstore.Store) error

// Config configures an Orchestrator.
type Config struct {
	Local  docstore.Store
	Remote docstore.Store

	// RemoteName distinguishes checkpoints of different remotes.
	RemoteName string

	BatchSize   int           // changes per batch (default: 100)
	Concurrency int           // parallel revision fetches (default: 4)
	Heartbeat   time.Duration // live mode wake-up without changes (default: 30s)
	RetryMin    time.Duration // live mode backoff start (default: 1s)
	RetryMax    time.Duration // live mode backoff cap (default: 1m)
	PassRate    float64       // live passes per second (default: 2)

	GCInterval  time.Duration // 0 disables periodic GC
	GCBatchSize int           // leaves deleted per batch (default: 100)

	// AfterGC runs after a collection deleted leaves, e.g. to drop caches
	// that may still map content to a deleted leaf.
	AfterGC func(store docstore.Store, stats *GCStats)

	// Version is the protocol version this build writes (default:
	// CurrentVersion). Migrations[v] upgrades a remote from v-1 to v.
	Version    int
	Migrations map[int]Migration

	Observer Observer
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Orchestrator negotiates with the remote and replicates documents.
type Orchestrator struct {
	local      docstore.Store
	remote     docstore.Store
	remoteName string

	batchSize   int
	concurrency int
	heartbeat   time.Duration
	retryMin    time.Duration
	retryMax    time.Duration
	limiter     *rate.Limiter

	gcInterval  time.Duration
	gcBatchSize int
	afterGC     func(docstore.Store, *GCStats)

	version    int
	migrations map[int]Migration

	observer Observer
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	status   statusTracker
	throttle errorThrottle

	nodeMu sync.Mutex
	nodeID string

	// serialises sessions; live mode holds it between passes only
	runMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates an orchestrator. Remote may be nil for local-only use (GC).
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Local == nil {
		return nil, errors.New("replication: local store is required")
	}
	if cfg.RemoteName == "" {
		cfg.RemoteName = "remote"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = DefaultRetryMin
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = DefaultRetryMax
		if cfg.RetryMax < cfg.RetryMin {
			cfg.RetryMax = cfg.RetryMin
		}
	}
	if cfg.PassRate <= 0 {
		cfg.PassRate = DefaultPassRate
	}
	if cfg.GCBatchSize <= 0 {
		cfg.GCBatchSize = DefaultGCBatchSize
	}
	if cfg.Version <= 0 {
		cfg.Version = CurrentVersion
	}

	o := &Orchestrator{
		local:       cfg.Local,
		remote:      cfg.Remote,
		remoteName:  cfg.RemoteName,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		heartbeat:   cfg.Heartbeat,
		retryMin:    cfg.RetryMin,
		retryMax:    cfg.RetryMax,
		limiter:     rate.NewLimiter(rate.Limit(cfg.PassRate), 1),
		gcInterval:  cfg.GCInterval,
		gcBatchSize: cfg.GCBatchSize,
		afterGC:     cfg.AfterGC,
		version:     cfg.Version,
		migrations:  cfg.Migrations,
		observer:    cfg.Observer,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With().Str("component", "replication").Logger(),
		closed:      make(chan struct{}),
	}
	o.status.metrics = cfg.Metrics
	o.status.set(StateNotConnected)
	return o, nil
}

// Status returns a snapshot of the orchestrator's state.
func (o *Orchestrator) Status() Status {
	s := o.status.get()
	o.nodeMu.Lock()
	s.NodeID = o.nodeID
	o.nodeMu.Unlock()
	return s
}

// Close stops live mode and moves to CLOSED. Running sessions observe the
// close between batches.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		close(o.closed)
		o.status.set(StateClosed)
		o.logger.Info().Msg("replication closed")
	})
	return nil
}

func (o *Orchestrator) isClosed() bool {
	select {
	case <-o.closed:
		return true
	default:
		return false
	}
}

// sessionContext derives a context cancelled when the orchestrator closes.
func (o *Orchestrator) sessionContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if o.isClosed() {
		return nil, nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-o.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel, nil
}

func (o *Orchestrator) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if o.observer != nil {
		o.observer(ev)
	}
}

// fail records err, emits the matching event and returns err.
func (o *Orchestrator) fail(dir Direction, err error) error {
	evType := EventError
	if errors.Is(err, ErrNodeNotAccepted) {
		evType = EventDenied
	}
	o.status.update(func(s *Status) { s.LastError = err.Error() })
	if !errors.Is(err, context.Canceled) && !o.isClosed() {
		o.status.set(StateErrored)
		if o.metrics != nil {
			o.metrics.ReplicationErrors.Inc()
		}
	}
	o.throttle.report(o.logger, err, "replication failed")
	o.emit(Event{Type: evType, Direction: dir, Err: err})
	return err
}

func (o *Orchestrator) requireRemote() error {
	if o.remote == nil {
		return ErrNoRemote
	}
	return nil
}
