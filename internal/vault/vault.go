// Package vault wires every component of one local replica together.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/leafsync/leafsync/internal/chunk"
	"github.com/leafsync/leafsync/internal/config"
	"github.com/leafsync/leafsync/internal/conflict"
	"github.com/leafsync/leafsync/internal/crypt"
	"github.com/leafsync/leafsync/internal/docstore"
	"github.com/leafsync/leafsync/internal/entry"
	"github.com/leafsync/leafsync/internal/hashing"
	"github.com/leafsync/leafsync/internal/leafwait"
	"github.com/leafsync/leafsync/internal/logging/audit"
	"github.com/leafsync/leafsync/internal/metrics"
	"github.com/leafsync/leafsync/internal/replication"
)

// Options carries optional hooks that are not configuration.
type Options struct {
	Logger   zerolog.Logger
	Observer replication.Observer
	Metrics  *metrics.Metrics

	// InMemory opens throwaway stores instead of the configured paths.
	InMemory bool
}

// Vault is an open local replica.
type Vault struct {
	Config *config.Config

	Store  *docstore.BadgerStore
	Remote *docstore.BadgerStore // nil without remote.path

	Leaves     *chunk.LeafStore
	Waiter     *leafwait.Synchronizer
	Entries    *entry.Manager
	Resolver   *conflict.Resolver
	Replicator *replication.Orchestrator
	Collector  *metrics.Collector
	Audit      *audit.Logger

	logger zerolog.Logger
}

// Open opens the local store (and the remote when configured), builds every
// component on top and starts the leaf arrival watcher.
func Open(cfg *config.Config, opts Options) (_ *Vault, err error) {
	logger := opts.Logger
	v := &Vault{
		Config: cfg,
		Audit:  audit.NewLogger(logger),
		logger: logger.With().Str("component", "vault").Logger(),
	}
	defer func() {
		if err != nil {
			_ = v.Close()
		}
	}()

	v.Store, err = docstore.OpenBadger(docstore.Options{
		Path:     cfg.StorePath(),
		InMemory: opts.InMemory,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	if cfg.Remote.Path != "" {
		v.Remote, err = docstore.OpenBadger(docstore.Options{
			Path:     cfg.Remote.Path,
			InMemory: opts.InMemory,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open remote store: %w", err)
		}
	}

	var (
		cm     *crypt.Manager
		secret []byte
	)
	if cfg.Encryption.Enabled {
		cm, err = crypt.NewManager(crypt.Config{
			Iterations: cfg.Encryption.Iterations,
			KeyRecycle: cfg.Encryption.KeyRecycle,
			CacheSize:  cfg.Encryption.CacheSize,
		})
		if err != nil {
			return nil, err
		}
		secret, err = crypt.DedupSecret(cfg.Encryption.Passphrase)
		if err != nil {
			return nil, err
		}
	}
	hasher, err := hashing.New(cfg.Chunk.HashAlgorithm, secret)
	if err != nil {
		return nil, err
	}

	v.Leaves, err = chunk.New(chunk.Config{
		Store: v.Store,
		Splitter: chunk.NewSplitter(chunk.SplitterConfig{
			MinSize:           cfg.Chunk.MinSize.Int(),
			MaxSize:           cfg.Chunk.MaxSize.Int(),
			LongLineThreshold: cfg.Chunk.LongLineThreshold.Int(),
			BinaryMaxSize:     cfg.Chunk.BinaryMaxSize.Int(),
		}),
		Hasher:     hasher,
		Crypt:      cm,
		Passphrase: cfg.Encryption.Passphrase,
		Compress:   cfg.Chunk.Compress,
		CacheSize:  cfg.Chunk.CacheSize,
		MaxProbe:   cfg.Chunk.MaxCollisionProbe,
		Metrics:    opts.Metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	v.Waiter = leafwait.New(leafwait.Config{
		Store:   v.Store,
		Timeout: cfg.LeafWait.Timeout,
		Metrics: opts.Metrics,
		Logger:  logger,
	})
	v.Waiter.Start()

	v.Entries, err = entry.New(entry.Config{
		Store:       v.Store,
		Leaves:      v.Leaves,
		Waiter:      v.Waiter,
		WaitTimeout: cfg.LeafWait.Timeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	v.Resolver, err = conflict.New(conflict.Config{
		Store:          v.Store,
		Entries:        v.Entries,
		Policy:         conflict.Policy(cfg.Conflict.Policy),
		MTimeTolerance: cfg.Conflict.MTimeTolerance,
		Metrics:        opts.Metrics,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	rcfg := replication.Config{
		Local:       v.Store,
		RemoteName:  cfg.Remote.Name,
		BatchSize:   cfg.Replication.BatchSize,
		Concurrency: cfg.Replication.Concurrency,
		Heartbeat:   cfg.Replication.Heartbeat,
		RetryMin:    cfg.Replication.RetryMin,
		RetryMax:    cfg.Replication.RetryMax,
		GCInterval:  cfg.GC.Interval,
		GCBatchSize: cfg.GC.BatchSize,
		AfterGC:     v.afterGC,
		Observer:    opts.Observer,
		Metrics:     opts.Metrics,
		Logger:      logger,
	}
	if v.Remote != nil {
		rcfg.Remote = v.Remote
	}
	v.Replicator, err = replication.New(rcfg)
	if err != nil {
		return nil, err
	}

	v.Collector = metrics.NewCollector(opts.Metrics, metrics.CollectorConfig{
		Store:   v.Store,
		Waits:   v.Waiter,
		Entries: v.Entries,
		Logger:  logger,
	})

	v.logger.Debug().
		Str("store", cfg.StorePath()).
		Str("remote", cfg.Remote.Path).
		Bool("encrypted", v.Leaves.Encrypted()).
		Msg("vault open")
	return v, nil
}

// afterGC drops the dedup cache once leaves of the local store are gone, so
// new writes cannot resolve to a deleted leaf.
func (v *Vault) afterGC(store docstore.Store, stats *replication.GCStats) {
	if store != docstore.Store(v.Store) {
		return
	}
	v.Leaves.PurgeCache()
	v.logger.Debug().Int("deleted", stats.LeavesDeleted).Msg("leaf cache purged after gc")
}

// CollectGarbage runs one collection on the local store and audits it.
func (v *Vault) CollectGarbage(ctx context.Context) (*replication.GCStats, error) {
	start := time.Now()
	stats, err := v.Replicator.CollectGarbage(ctx, v.Store)
	s := stats
	if s == nil {
		s = &replication.GCStats{}
	}
	v.Audit.LogGC("local", s.LeavesDeleted, s.LeavesSkipped, s.DeleteErrors, time.Since(start), err)
	return stats, err
}

// Close stops every component in reverse order of Open.
func (v *Vault) Close() error {
	var errs []error
	if v.Replicator != nil {
		errs = append(errs, v.Replicator.Close())
	}
	if v.Waiter != nil {
		v.Waiter.Stop()
	}
	if v.Remote != nil {
		errs = append(errs, v.Remote.Close())
	}
	if v.Store != nil {
		errs = append(errs, v.Store.Close())
	}
	return errors.Join(errs...)
}
