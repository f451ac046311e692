package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/leafsync/leafsync/internal/docstore"
)

// StoreInfo reports store totals.
type StoreInfo interface {
	Info(ctx context.Context) (*docstore.Info, error)
}

// PendingWaits lists leaf ids that readers are waiting on.
type PendingWaits interface {
	Pending() []string
}

// FlaggedEntries lists entries whose last assembly failed.
type FlaggedEntries interface {
	Flagged() []string
}

// CollectorConfig holds the components a Collector samples. Nil fields are
// skipped.
type CollectorConfig struct {
	Store   StoreInfo
	Waits   PendingWaits
	Entries FlaggedEntries
	Logger  zerolog.Logger
}

// Collector periodically samples gauges that have no natural update point.
type Collector struct {
	metrics *Metrics
	store   StoreInfo
	waits   PendingWaits
	entries FlaggedEntries
	logger  zerolog.Logger
}

// NewCollector creates a new metrics collector.
func NewCollector(m *Metrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics: m,
		store:   cfg.Store,
		waits:   cfg.Waits,
		entries: cfg.Entries,
		logger:  cfg.Logger.With().Str("component", "metrics").Logger(),
	}
}

// Collect updates the sampled gauges from the current state.
func (c *Collector) Collect(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	if c.store != nil {
		info, err := c.store.Info(ctx)
		if err != nil {
			c.logger.Debug().Err(err).Msg("store info unavailable")
		} else {
			c.metrics.StoreDocs.Set(float64(info.DocCount))
			c.metrics.StoreUpdateSeq.Set(float64(info.UpdateSeq))
		}
	}
	if c.waits != nil {
		c.metrics.PendingLeafWaits.Set(float64(len(c.waits.Pending())))
	}
	if c.entries != nil {
		c.metrics.FlaggedEntries.Set(float64(len(c.entries.Flagged())))
	}
}

// Run collects immediately and then every interval until ctx ends.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
