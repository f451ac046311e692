// leafsync keeps a note vault replicated between devices through a shared
// remote store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/leafsync/leafsync/internal/config"
	"github.com/leafsync/leafsync/internal/logging"
	"github.com/leafsync/leafsync/internal/metrics"
	"github.com/leafsync/leafsync/internal/replication"
	"github.com/leafsync/leafsync/internal/vault"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile   string
	logLevel  string
	dataDir   string
	remoteDir string
	inMemory  bool // tests only
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "leafsync",
		Short: "leafsync - multi-master note vault replication",
		Long: `leafsync stores a note vault as content-addressed leaves and replicates it
with a remote store shared by every device.

QUICK START:

  # Write a config (or use LEAFSYNC_* environment variables)
  cat > ~/.leafsync/leafsync.yaml <<EOF
  remote:
    path: /mnt/nas/vault
  encryption:
    enabled: true
    passphrase: correct horse battery staple
  EOF

  leafsync put notes/today.md ./today.md
  leafsync sync
  leafsync live --metrics-listen 127.0.0.1:9464

For more help on any command, use: leafsync <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides log.level)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "local data directory (overrides data_dir)")
	rootCmd.PersistentFlags().StringVar(&remoteDir, "remote", "", "remote store directory (overrides remote.path)")
	rootCmd.PersistentFlags().BoolVar(&inMemory, "in-memory", false, "use throwaway in-memory stores")
	_ = rootCmd.PersistentFlags().MarkHidden("in-memory")

	rootCmd.AddCommand(
		newPutCmd(), newGetCmd(), newRmCmd(), newLsCmd(),
		newReplicateCmd(replication.Push), newReplicateCmd(replication.Pull), newReplicateCmd(replication.Sync),
		newLiveCmd(), newGCCmd(),
		newConflictsCmd(), newResolveCmd(),
		newRemoteCmd(),
		newServiceCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "leafsync %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}

// loadConfig reads the configuration and applies command line overrides.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	changed := false
	if dataDir != "" {
		cfg.DataDir, changed = dataDir, true
	}
	if remoteDir != "" {
		cfg.Remote.Path, changed = remoteDir, true
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if changed {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// setupLogging installs the global logger for cfg.
func setupLogging(cfg *config.Config, console io.Writer) (zerolog.Logger, io.Closer, error) {
	return logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    console,
	})
}

// session is an open vault plus the resources a command must release.
type session struct {
	cfg    *config.Config
	vault  *vault.Vault
	logger zerolog.Logger
	closer io.Closer
}

func (s *session) Close() error {
	err := s.vault.Close()
	if cerr := s.closer.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

type sessionOptions struct {
	observer replication.Observer
	metrics  *metrics.Metrics
}

// openSession loads the configuration, sets up logging and opens the vault.
func openSession(cmd *cobra.Command, opts sessionOptions) (*session, error) {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, closer, err := setupLogging(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	v, err := vault.Open(cfg, vault.Options{
		Logger:   logger,
		Observer: opts.observer,
		Metrics:  opts.metrics,
		InMemory: inMemory,
	})
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	return &session{cfg: cfg, vault: v, logger: logger, closer: closer}, nil
}

// withSession runs fn against an open vault and closes it afterwards.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	s, err := openSession(cmd, sessionOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("failed to close vault")
		}
	}()
	return fn(cmd.Context(), s)
}

// nodeID is best effort; audit records carry an empty id on failure.
func nodeID(ctx context.Context, s *session) string {
	id, err := s.vault.Replicator.NodeID(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("node id unavailable")
	}
	return id
}

// ignoreCanceled treats an interrupted command as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
