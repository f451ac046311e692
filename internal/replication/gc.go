package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leafsync/leafsync/internal/docstore"
	"github.com/leafsync/leafsync/internal/model"
)

// GCStats holds statistics from a garbage collection run.
type GCStats struct {
	EntriesScanned   int // entries whose revisions were inspected
	RevisionsScanned int // live leaf revisions read for references
	Referenced       int // distinct leaves referenced
	LeavesScanned    int
	LeavesSkipped    int // written after the scan started
	LeavesDeleted    int
	DeleteErrors     int
	Duration         time.Duration
}

// valueLogCollector is implemented by stores that can reclaim disk space
// after deletions.
type valueLogCollector interface {
	RunValueLogGC(discardRatio float64) error
}

// CollectGarbage purges leaves no entry references. References come from
// every live leaf revision of every entry, conflicting branches included, so
// a pending conflict never loses content. Leaves written after the scan
// began are left alone. Cancellation is honoured between batches only.
//
// Reclamation is local to store: leaves are purged rather than deleted, so
// no tombstone replicates to peers that may still reference the same
// content-addressed leaf.
func (o *Orchestrator) CollectGarbage(ctx context.Context, store docstore.Store) (*GCStats, error) {
	start := time.Now()
	stats := &GCStats{}
	defer func() {
		stats.Duration = time.Since(start)
		if o.metrics != nil {
			o.metrics.GCDuration.Observe(stats.Duration.Seconds())
			o.metrics.GCLeavesDeleted.Add(float64(stats.LeavesDeleted))
		}
	}()

	info, err := store.Info(ctx)
	if err != nil {
		return stats, fmt.Errorf("gc: %w", err)
	}
	scanSeq := info.UpdateSeq

	referenced, err := o.referencedLeaves(ctx, store, stats)
	if err != nil {
		return stats, err
	}
	stats.Referenced = len(referenced)

	rows, err := store.AllDocs(ctx, docstore.AllDocsOptions{
		StartKey: model.LeafPrefix,
		EndKey:   model.LeafPrefix + "\uffff",
	})
	if err != nil {
		return stats, fmt.Errorf("gc: list leaves: %w", err)
	}

	var orphans []docstore.Row
	for _, row := range rows {
		if !model.IsLeafID(row.ID) {
			continue
		}
		stats.LeavesScanned++
		if row.Seq > scanSeq {
			stats.LeavesSkipped++
			continue
		}
		if _, ok := referenced[row.ID]; !ok {
			orphans = append(orphans, row)
		}
	}

	for i := 0; i < len(orphans); i += o.gcBatchSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		end := min(i+o.gcBatchSize, len(orphans))
		o.deleteBatch(context.WithoutCancel(ctx), store, orphans[i:end], stats)
	}

	if stats.LeavesDeleted > 0 {
		if o.afterGC != nil {
			o.afterGC(store, stats)
		}
		if vl, ok := store.(valueLogCollector); ok {
			if err := vl.RunValueLogGC(0.5); err != nil {
				o.logger.Debug().Err(err).Msg("value log GC")
			}
		}
	}

	o.logger.Info().
		Int("entries", stats.EntriesScanned).
		Int("referenced", stats.Referenced).
		Int("leaves", stats.LeavesScanned).
		Int("deleted", stats.LeavesDeleted).
		Int("skipped", stats.LeavesSkipped).
		Dur("duration", time.Since(start)).
		Msg("garbage collection finished")
	return stats, nil
}

// referencedLeaves unions the children of every live leaf revision. Any read
// failure aborts: deleting against an incomplete set would lose content.
func (o *Orchestrator) referencedLeaves(ctx context.Context, store docstore.Store, stats *GCStats) (map[string]struct{}, error) {
	rows, err := store.AllDocs(ctx, docstore.AllDocsOptions{})
	if err != nil {
		return nil, fmt.Errorf("gc: list entries: %w", err)
	}

	referenced := make(map[string]struct{})
	for _, row := range rows {
		if !model.IsEntryID(row.ID) {
			continue
		}
		stats.EntriesScanned++

		info, err := store.Revisions(ctx, row.ID)
		if err != nil {
			return nil, fmt.Errorf("gc: revisions of %s: %w", row.ID, err)
		}
		for _, leaf := range info.Leaves {
			if leaf.Deleted {
				continue
			}
			doc, err := store.GetRev(ctx, row.ID, leaf.Rev)
			if err != nil {
				return nil, fmt.Errorf("gc: read %s@%s: %w", row.ID, leaf.Rev, err)
			}
			e, err := model.DecodeEntry(doc.Body)
			if err != nil {
				return nil, fmt.Errorf("gc: decode %s@%s: %w", row.ID, leaf.Rev, err)
			}
			stats.RevisionsScanned++
			for _, child := range e.Children {
				referenced[child] = struct{}{}
			}
		}
	}
	return referenced, nil
}

func (o *Orchestrator) deleteBatch(ctx context.Context, store docstore.Store, rows []docstore.Row, stats *GCStats) {
	for _, row := range rows {
		err := store.Purge(ctx, row.ID, row.Rev)
		switch {
		case err == nil:
			stats.LeavesDeleted++
		case errors.Is(err, docstore.ErrConflict), errors.Is(err, docstore.ErrNotFound):
			// changed since listed
			stats.LeavesSkipped++
		default:
			stats.DeleteErrors++
			o.logger.Warn().Err(err).Str("leaf", row.ID).Msg("failed to delete unreferenced leaf")
		}
	}
	o.logger.Debug().Int("batch", len(rows)).Int("deleted_total", stats.LeavesDeleted).Msg("gc batch done")
}

// RunGC collects garbage in the local store every interval until ctx ends.
func (o *Orchestrator) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.CollectGarbage(ctx, o.local); err != nil && ctx.Err() == nil {
				o.logger.Error().Err(err).Msg("periodic garbage collection failed")
			}
		}
	}
}
