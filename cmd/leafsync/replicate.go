package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/leafsync/leafsync/internal/config"
	"github.com/leafsync/leafsync/internal/logging/audit"
	"github.com/leafsync/leafsync/internal/metrics"
	"github.com/leafsync/leafsync/internal/replication"
	"github.com/leafsync/leafsync/internal/tracing"
	"github.com/leafsync/leafsync/internal/vault"
)

// collectInterval is how often gauges are sampled in live mode.
const collectInterval = 15 * time.Second

func newReplicateCmd(dir replication.Direction) *cobra.Command {
	short := map[replication.Direction]string{
		replication.Push: "Send local changes to the remote",
		replication.Pull: "Fetch remote changes",
		replication.Sync: "Pull, then push",
	}[dir]

	return &cobra.Command{
		Use:   string(dir),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				res, err := s.vault.Replicator.Replicate(ctx, dir)
				if err != nil {
					if errors.Is(err, replication.ErrNodeNotAccepted) {
						s.vault.Audit.LogDenied(nodeID(ctx, s), s.cfg.Remote.Name, err.Error())
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pulled %d, pushed %d, rejected %d\n", res.Pulled, res.Pushed, res.Failed)
				return nil
			})
		},
	}
}

func newLiveCmd() *cobra.Command {
	var (
		listen string
		trace  bool
	)
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Replicate continuously until interrupted",
		Long: `Run bidirectional replication continuously. Changes on either side are
replicated as they happen; failures are retried with backoff. A remote
that is locked against this node ends the session.

With --metrics-listen (or metrics.listen) Prometheus metrics are served
at /metrics; --trace adds a runtime trace of the last moments at
/debug/trace.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Metrics.Listen = listen
			}
			if trace {
				cfg.Metrics.Trace = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, closer, err := setupLogging(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()
			return ignoreCanceled(runLive(cmd.Context(), cfg, logger))
		},
	}
	cmd.Flags().StringVar(&listen, "metrics-listen", "", "address for the Prometheus endpoint, e.g. 127.0.0.1:9464")
	cmd.Flags().BoolVar(&trace, "trace", false, "serve a runtime trace at /debug/trace (needs a metrics listener)")
	return cmd
}

// runLive opens the vault and replicates until ctx ends. It is shared by
// the live command and the system service.
func runLive(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	m := metrics.Init(nil)

	var (
		node    string
		auditor = audit.NewLogger(logger)
	)
	observer := func(ev replication.Event) {
		switch ev.Type {
		case replication.EventDenied:
			reason := "node not accepted"
			if ev.Err != nil {
				reason = ev.Err.Error()
			}
			auditor.LogDenied(node, cfg.Remote.Name, reason)
		case replication.EventError:
			logger.Debug().Err(ev.Err).Str("direction", string(ev.Direction)).Msg("replication pass failed")
		case replication.EventComplete:
			logger.Debug().Int("transferred", ev.Transferred).Msg("replication pass complete")
		}
	}

	v, err := vault.Open(cfg, vault.Options{
		Logger:   logger,
		Observer: observer,
		Metrics:  m,
		InMemory: inMemory,
	})
	if err != nil {
		return err
	}
	defer v.Close()

	if node, err = v.Replicator.NodeID(ctx); err != nil {
		return err
	}

	var rec *tracing.Recorder
	if cfg.Metrics.Trace {
		if rec, err = tracing.Start(cfg.Metrics.TraceBufferSize.Bytes()); err != nil {
			return err
		}
		defer rec.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsMux(rec),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("listen", srv.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		v.Collector.Run(gctx, collectInterval)
		return nil
	})
	g.Go(func() error {
		err := v.Replicator.Live(gctx)
		if err == nil {
			// Live returns nil once gctx ends; stop the siblings too.
			return context.Canceled
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func metricsMux(rec *tracing.Recorder) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if rec != nil {
		mux.Handle("/debug/trace", rec.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func newGCCmd() *cobra.Command {
	var onRemote bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete leaves no entry references",
		Long: `Delete leaves that no live or conflicting entry revision references.
Leaves written while the scan runs are kept.

With --on-remote the collection runs against the remote store instead. Every
replica sharing the remote must have pushed first, or leaves only they
reference will be lost.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				var (
					stats *replication.GCStats
					err   error
				)
				if onRemote {
					if s.vault.Remote == nil {
						return replication.ErrNoRemote
					}
					start := time.Now()
					stats, err = s.vault.Replicator.CollectGarbage(ctx, s.vault.Remote)
					st := stats
					if st == nil {
						st = &replication.GCStats{}
					}
					s.vault.Audit.LogGC(s.cfg.Remote.Name, st.LeavesDeleted, st.LeavesSkipped, st.DeleteErrors, time.Since(start), err)
				} else {
					stats, err = s.vault.CollectGarbage(ctx)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned %d leaves, deleted %d, kept %d new, %d errors in %s\n",
					stats.LeavesScanned, stats.LeavesDeleted, stats.LeavesSkipped, stats.DeleteErrors,
					stats.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&onRemote, "on-remote", false, "collect on the remote store")
	return cmd
}
