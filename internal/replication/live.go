package replication

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/leafsync/leafsync/internal/docstore"
)

// Live runs continuous bidirectional replication until ctx is cancelled or
// the orchestrator is closed. Each pass is triggered by a change on either
// store or by the heartbeat; failed passes are retried with exponential
// backoff. An incompatible remote ends the session with an error.
func (o *Orchestrator) Live(ctx context.Context) error {
	if err := o.requireRemote(); err != nil {
		return err
	}
	ctx, cancel, err := o.sessionContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	localCh, stopLocal := o.local.Subscribe()
	defer stopLocal()
	remoteCh, stopRemote := o.remote.Subscribe()
	defer stopRemote()

	o.logger.Info().
		Str("remote", o.remoteName).
		Dur("heartbeat", o.heartbeat).
		Msg("starting live replication")

	g, gctx := errgroup.WithContext(ctx)
	if o.gcInterval > 0 {
		g.Go(func() error {
			o.RunGC(gctx, o.gcInterval)
			return nil
		})
	}
	g.Go(func() error {
		return o.liveLoop(gctx, localCh, remoteCh)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		o.status.set(StateClosed)
		o.logger.Info().Msg("live replication stopped")
		return nil
	}
	return err
}

func (o *Orchestrator) liveLoop(ctx context.Context, localCh, remoteCh <-chan docstore.Change) error {
	heartbeat := time.NewTicker(o.heartbeat)
	defer heartbeat.Stop()

	for {
		if err := o.limiter.Wait(ctx); err != nil {
			return err
		}

		backoff := retry.WithCappedDuration(o.retryMax, retry.NewExponential(o.retryMin))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			err := o.livePass(ctx)
			if err == nil || ctx.Err() != nil || errors.Is(err, ErrRemoteIncompatible) {
				return err
			}
			return retry.RetryableError(err)
		})
		if err != nil {
			return err
		}

		o.status.set(StatePaused)
		o.emit(Event{Type: EventPaused, Direction: Sync})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-localCh:
			if !ok {
				return transportErr(Push, "subscribe", docstore.ErrClosed)
			}
		case _, ok := <-remoteCh:
			if !ok {
				return transportErr(Pull, "subscribe", docstore.ErrClosed)
			}
		case <-heartbeat.C:
		}
		drain(localCh)
		drain(remoteCh)
	}
}

// livePass is one preflight plus sync pass.
func (o *Orchestrator) livePass(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	res, err := o.preflightAndRun(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.fail(Sync, err)
	}
	if n := res.Pulled + res.Pushed; n > 0 {
		o.logger.Info().Int("pulled", res.Pulled).Int("pushed", res.Pushed).Msg("live pass replicated documents")
	}
	o.succeeded()
	return nil
}

func (o *Orchestrator) preflightAndRun(ctx context.Context) (*Result, error) {
	if _, err := o.Preflight(ctx); err != nil {
		return nil, err
	}
	return o.run(ctx, Sync)
}

// drain discards queued notifications; the next pass reads the feed anyway.
func drain(ch <-chan docstore.Change) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
