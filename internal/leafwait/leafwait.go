// Package leafwait lets readers block until a leaf that has not replicated
// yet arrives in the local store.
//
// Replication does not order an entry after the leaves it references, so a
// reader can see an entry whose leaves are still in flight. Await registers
// interest in the leaf id before probing the store, so an arrival between
// the probe and the wait cannot be missed.
package leafwait

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leafsync/leafsync/internal/docstore"
	"github.com/leafsync/leafsync/internal/metrics"
	"github.com/leafsync/leafsync/internal/model"
)

// ErrTimeout is returned when a leaf does not arrive in time. The leaf may
// still be replicating; callers must treat the read as failed, not missing.
var ErrTimeout = errors.New("timed out waiting for leaf")

// Defaults.
const (
	DefaultTimeout       = 90 * time.Second
	DefaultProbeInterval = 5 * time.Second
)

// Config configures a Synchronizer.
type Config struct {
	Store         docstore.Store
	Timeout       time.Duration // default wait bound (default: 90s)
	ProbeInterval time.Duration // re-probe pending ids to cover dropped notifications (default: 5s)
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
}

// waiter is shared by every Await call on the same id. ch is closed exactly
// once when the leaf arrives.
type waiter struct {
	ch   chan struct{}
	refs int
}

// Synchronizer releases Await calls when the awaited leaf is written.
type Synchronizer struct {
	store         docstore.Store
	timeout       time.Duration
	probeInterval time.Duration
	metrics       *metrics.Metrics
	logger        zerolog.Logger

	mu      sync.Mutex
	waiters map[string]*waiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a synchronizer. Call Start to begin watching the store.
func New(cfg Config) *Synchronizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		store:         cfg.Store,
		timeout:       cfg.Timeout,
		probeInterval: cfg.ProbeInterval,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.With().Str("component", "leafwait").Logger(),
		waiters:       make(map[string]*waiter),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins consuming the store's change feed.
func (s *Synchronizer) Start() {
	ch, unsubscribe := s.store.Subscribe()
	s.wg.Add(1)
	go s.run(ch, unsubscribe)
}

// Stop ends the watcher and waits for it to exit. Pending Await calls still
// end on their own timeout.
func (s *Synchronizer) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Synchronizer) run(ch <-chan docstore.Change, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()

	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			if !c.Deleted && model.IsLeafID(c.ID) {
				s.notify(c.ID)
			}
		case <-ticker.C:
			s.reprobe()
		}
	}
}

// Await blocks until leaf id exists locally, timeout elapses (ErrTimeout)
// or ctx is done. A zero timeout uses the configured default.
func (s *Synchronizer) Await(ctx context.Context, id string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.timeout
	}

	w := s.register(id)
	defer s.release(id, w)

	_, err := s.store.Get(ctx, id)
	switch {
	case err == nil:
		s.notify(id)
		s.metrics.RecordLeafWait("present")
		return nil
	case !errors.Is(err, docstore.ErrNotFound):
		return fmt.Errorf("probe leaf %s: %w", id, err)
	}

	s.logger.Debug().Str("leaf", id).Dur("timeout", timeout).Msg("waiting for leaf to replicate")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ch:
		s.metrics.RecordLeafWait("arrived")
		return nil
	case <-timer.C:
		s.metrics.RecordLeafWait("timeout")
		return fmt.Errorf("%w: %s after %s", ErrTimeout, id, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the ids currently waited on.
func (s *Synchronizer) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.waiters))
	for id := range s.waiters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Synchronizer) register(id string) *waiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waiters[id]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		s.waiters[id] = w
	}
	w.refs++
	return w
}

// release drops one reference; the last one removes a waiter that was never
// notified.
func (s *Synchronizer) release(id string, w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.refs--
	if w.refs == 0 && s.waiters[id] == w {
		delete(s.waiters, id)
	}
}

// notify releases every waiter on id and removes the registration.
func (s *Synchronizer) notify(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waiters[id]
	if !ok {
		return
	}
	delete(s.waiters, id)
	close(w.ch)
}

func (s *Synchronizer) reprobe() {
	for _, id := range s.Pending() {
		if _, err := s.store.Get(s.ctx, id); err == nil {
			s.logger.Debug().Str("leaf", id).Msg("leaf found by re-probe")
			s.notify(id)
		}
	}
}
