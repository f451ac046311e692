package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leafsync/leafsync/internal/docstore"
	"github.com/leafsync/leafsync/internal/model"
)

// Result summarises one Replicate call.
type Result struct {
	Pulled int
	Pushed int
	Failed int // documents whose write was rejected
}

type checkpoint struct {
	Seq     uint64 `json:"seq"`
	Updated int64  `json:"updated"`
}

// Replicate runs a one-shot session in dir after a successful preflight.
// Cancellation takes effect between batches.
func (o *Orchestrator) Replicate(ctx context.Context, dir Direction) (*Result, error) {
	if err := o.requireRemote(); err != nil {
		return nil, err
	}
	ctx, cancel, err := o.sessionContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	o.runMu.Lock()
	defer o.runMu.Unlock()

	if _, err := o.Preflight(ctx); err != nil {
		return nil, o.fail(dir, err)
	}

	res, err := o.run(ctx, dir)
	if err != nil {
		return res, o.fail(dir, err)
	}
	o.succeeded()
	o.status.set(StateCompleted)
	o.emit(Event{Type: EventComplete, Direction: dir, Transferred: res.Pulled + res.Pushed})
	return res, nil
}

// run executes the passes for dir. Pull goes first in a sync so local
// conflicts are visible before pushing.
func (o *Orchestrator) run(ctx context.Context, dir Direction) (*Result, error) {
	res := &Result{}
	if dir == Pull || dir == Sync {
		n, failed, err := o.pass(ctx, Pull, o.remote, o.local)
		res.Pulled, res.Failed = n, res.Failed+failed
		if err != nil {
			return res, err
		}
	}
	if dir == Push || dir == Sync {
		n, failed, err := o.pass(ctx, Push, o.local, o.remote)
		res.Pushed, res.Failed = n, res.Failed+failed
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (o *Orchestrator) succeeded() {
	o.throttle.reset()
	o.status.update(func(s *Status) {
		s.LastError = ""
		s.LastSync = time.Now()
	})
}

// pass copies every change in src since the checkpoint into dst.
func (o *Orchestrator) pass(ctx context.Context, dir Direction, src, dst docstore.Store) (int, int, error) {
	cpID := model.CheckpointID + o.remoteName + "_" + string(dir)
	cp, cpRev, err := o.loadCheckpoint(ctx, cpID)
	if err != nil {
		return 0, 0, err
	}

	transferred, failed := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return transferred, failed, err
		}

		page, err := src.Changes(ctx, docstore.ChangesOptions{Since: cp.Seq, Limit: o.batchSize})
		if err != nil {
			return transferred, failed, transportErr(dir, "changes", err)
		}
		if len(page.Results) == 0 {
			return transferred, failed, nil
		}

		// a dequeued batch runs to completion
		n, bad, err := o.batch(context.WithoutCancel(ctx), dir, src, dst, page.Results)
		transferred += n
		failed += bad
		o.metrics.RecordReplicated(string(dir), n)
		o.status.update(func(s *Status) { s.Transferred += n })
		if err != nil {
			return transferred, failed, err
		}

		cp.Seq = page.LastSeq
		cpRev, err = o.saveCheckpoint(context.WithoutCancel(ctx), cpID, cpRev, cp)
		if err != nil {
			return transferred, failed, err
		}

		o.emit(Event{
			Type:        EventProgress,
			Direction:   dir,
			Transferred: transferred,
			Total:       transferred + page.Pending,
		})
		if page.Pending == 0 {
			return transferred, failed, nil
		}
	}
}

// batch fetches the revisions dst lacks and writes them, leaves first so an
// entry never lands before its content. Rejected writes are counted and
// logged; the batch continues.
func (o *Orchestrator) batch(ctx context.Context, dir Direction, src, dst docstore.Store, changes []docstore.Change) (int, int, error) {
	fetched := make([][]*docstore.Doc, len(changes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, ch := range changes {
		if model.IsControlID(ch.ID) && ch.ID != model.VersionID {
			continue
		}
		g.Go(func() error {
			missing, err := dst.RevsDiff(gctx, ch.ID, ch.Revs)
			if err != nil {
				return transportErr(dir, "revs diff "+ch.ID, err)
			}
			for _, rev := range missing {
				doc, err := src.GetRev(gctx, ch.ID, rev)
				if errors.Is(err, docstore.ErrNotFound) {
					// superseded since the change was read; a later change carries it
					continue
				}
				if err != nil {
					return transportErr(dir, "get "+ch.ID, err)
				}
				if doc.Deleted && model.IsLeafID(doc.ID) {
					// leaf reclamation is local to each replica
					continue
				}
				fetched[i] = append(fetched[i], doc)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	var leaves, others []*docstore.Doc
	for _, docs := range fetched {
		for _, doc := range docs {
			if model.IsLeafID(doc.ID) {
				leaves = append(leaves, doc)
			} else {
				others = append(others, doc)
			}
		}
	}

	written, failed := 0, 0
	backfill, err := o.backfillLeaves(ctx, dir, src, dst, leaves, others)
	if err != nil {
		return 0, 0, err
	}
	failed += backfill

	for _, docs := range [][]*docstore.Doc{leaves, others} {
		if len(docs) == 0 {
			continue
		}
		results, err := dst.BulkPut(ctx, docs, docstore.BulkOptions{NewEdits: false})
		if err != nil {
			return written, failed, transportErr(dir, "bulk write", err)
		}
		for _, r := range results {
			if r.Err != nil {
				failed++
				o.logger.Warn().Err(r.Err).Str("id", r.ID).Str("direction", string(dir)).Msg("document rejected")
				continue
			}
			written++
		}
	}

	o.logger.Debug().
		Str("direction", string(dir)).
		Int("changes", len(changes)).
		Int("written", written).
		Int("failed", failed).
		Msg("batch replicated")
	return written, failed, nil
}

// backfillLeaves copies into dst the leaves that incoming entries reference
// but dst cannot serve. Garbage collection purges leaves locally, so the
// change that once carried a leaf may lie behind a checkpoint while a new
// entry on another replica reuses it. A leaf dst holds only as a tombstone
// is written again on top of it. It returns the number of rejected writes.
func (o *Orchestrator) backfillLeaves(ctx context.Context, dir Direction, src, dst docstore.Store, leaves, entries []*docstore.Doc) (int, error) {
	incoming := make(map[string]struct{}, len(leaves))
	for _, doc := range leaves {
		incoming[doc.ID] = struct{}{}
	}
	var wanted []string
	for _, doc := range entries {
		if doc.Deleted || !model.IsEntryID(doc.ID) {
			continue
		}
		e, err := model.DecodeEntry(doc.Body)
		if err != nil {
			continue
		}
		for _, child := range e.Children {
			if _, ok := incoming[child]; ok {
				continue
			}
			incoming[child] = struct{}{}
			wanted = append(wanted, child)
		}
	}
	if len(wanted) == 0 {
		return 0, nil
	}

	var (
		mu        sync.Mutex
		replicate []*docstore.Doc
		revive    []*docstore.Doc
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, id := range wanted {
		g.Go(func() error {
			_, err := dst.Get(gctx, id)
			if err == nil {
				return nil
			}
			if !errors.Is(err, docstore.ErrNotFound) {
				return transportErr(dir, "get "+id, err)
			}
			doc, err := src.Get(gctx, id)
			if errors.Is(err, docstore.ErrNotFound) {
				// not here either; readers wait for it
				return nil
			}
			if err != nil {
				return transportErr(dir, "get "+id, err)
			}

			_, err = dst.Revisions(gctx, id)
			switch {
			case errors.Is(err, docstore.ErrNotFound):
				full, err := src.GetRev(gctx, id, doc.Rev)
				if err != nil {
					return transportErr(dir, "get "+id, err)
				}
				mu.Lock()
				replicate = append(replicate, full)
				mu.Unlock()
			case err != nil:
				return transportErr(dir, "revisions "+id, err)
			default:
				mu.Lock()
				revive = append(revive, &docstore.Doc{ID: id, Body: doc.Body})
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	failed := 0
	reject := func(id string, err error) {
		failed++
		o.logger.Warn().Err(err).Str("id", id).Str("direction", string(dir)).Msg("leaf backfill rejected")
	}
	if len(replicate) > 0 {
		results, err := dst.BulkPut(ctx, replicate, docstore.BulkOptions{NewEdits: false})
		if err != nil {
			return failed, transportErr(dir, "bulk write", err)
		}
		for _, r := range results {
			if r.Err != nil {
				reject(r.ID, r.Err)
			}
		}
	}
	for _, doc := range revive {
		if _, err := dst.Put(ctx, doc); err != nil {
			reject(doc.ID, err)
		}
	}

	o.logger.Debug().
		Str("direction", string(dir)).
		Int("copied", len(replicate)).
		Int("revived", len(revive)).
		Msg("missing leaves backfilled")
	return failed, nil
}

func (o *Orchestrator) loadCheckpoint(ctx context.Context, id string) (checkpoint, string, error) {
	var cp checkpoint
	doc, err := o.local.GetLocal(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return cp, "", nil
	}
	if err != nil {
		return cp, "", fmt.Errorf("load checkpoint: %w", err)
	}
	if err := json.Unmarshal(doc.Body, &cp); err != nil {
		o.logger.Warn().Err(err).Str("checkpoint", id).Msg("discarding unreadable checkpoint")
		return checkpoint{}, doc.Rev, nil
	}
	return cp, doc.Rev, nil
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, id, rev string, cp checkpoint) (string, error) {
	cp.Updated = time.Now().UnixMilli()
	body, err := json.Marshal(cp)
	if err != nil {
		return "", err
	}
	rev, err = o.local.PutLocal(ctx, &docstore.LocalDoc{ID: id, Rev: rev, Body: body})
	if err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	return rev, nil
}

// ResetCheckpoints forgets replication progress with the remote so the next
// session rescans both feeds from the start.
func (o *Orchestrator) ResetCheckpoints(ctx context.Context) error {
	for _, dir := range []Direction{Pull, Push} {
		id := model.CheckpointID + o.remoteName + "_" + string(dir)
		doc, err := o.local.GetLocal(ctx, id)
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := o.local.DeleteLocal(ctx, id, doc.Rev); err != nil {
			return err
		}
	}
	return nil
}
