package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/leafsync/leafsync/internal/svc"
)

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Run live replication as a system service",
		Long: `Install, control and inspect leafsync live replication as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo leafsync service install --config /etc/leafsync/leafsync.yaml
  sudo leafsync service start
  sudo leafsync service status
  sudo leafsync service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "service name (default: leafsync)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the service",
		Long: `Install leafsync live replication as a service that starts at boot.
The service runs "leafsync service run" with the given --config.

Requires administrator/root privileges.`,
		Args: cobra.NoArgs,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")

	control := func(use, short, done string, fn func(*svc.Config) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				cfg := serviceConfig()
				log.Info().Str("name", cfg.Name).Msg(use + " service")
				if err := fn(cfg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service %q %s.\n", cfg.Name, done)
				return nil
			},
		}
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := serviceConfig()
			status, err := svc.Status(cfg)
			if err != nil {
				status = "unknown (" + err.Error() + ")"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service: %s\n", cfg.Name)
			fmt.Fprintf(out, "Status:  %s\n", status)
			fmt.Fprintf(out, "Config:  %s\n", cfg.ConfigPath)
			return nil
		},
	}

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View service logs",
		Long: `View logs of the service. When the configuration sets log.file that file
is shown; otherwise the platform log is used:
  - Linux:   journalctl -u leafsync
  - macOS:   /var/log/leafsync.err.log
  - Windows: Event Viewer > Application log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := serviceConfig()
			opts := svc.LogOptions{ServiceName: cfg.Name, Follow: logsFollow, Lines: logsLines}
			if appCfg, err := loadConfig(cfg.ConfigPath); err == nil {
				opts.File = appCfg.Log.File
			}
			return svc.ViewLogs(opts)
		},
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of lines to show")

	runCmd := &cobra.Command{
		Use:    "run",
		Short:  "Run under the service manager (internal use)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := serviceConfig()
			return svc.Run(&svc.Program{ConfigPath: cfg.ConfigPath, Run: runServiceLive}, cfg)
		},
	}

	serviceCmd.AddCommand(
		installCmd,
		control("uninstall", "Remove the service", "uninstalled", svc.Uninstall),
		control("start", "Start the service", "started", svc.Start),
		control("stop", "Stop the service", "stopped", svc.Stop),
		control("restart", "Restart the service", "restarted", svc.Restart),
		statusCmd,
		logsCmd,
		runCmd,
	)
	return serviceCmd
}

func serviceConfig() *svc.Config {
	path := cfgFile
	if path == "" {
		path = svc.DefaultConfigPath()
	}
	return &svc.Config{
		Name:       serviceName,
		ConfigPath: path,
		UserName:   serviceUser,
	}
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := serviceConfig()

	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate it first or pass --config", cfg.ConfigPath)
	}
	// refuse a config the service could not start with
	if _, err := loadConfig(cfg.ConfigPath); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfg.ConfigPath, err)
	}

	log.Info().Str("config", cfg.ConfigPath).Msg("installing service")
	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	name := cfg.Name
	if name == "" {
		name = svc.DefaultName
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Service %q installed.\n", name)
	fmt.Fprintf(out, "\nTo start it:\n  leafsync service start --name %s\n", name)
	fmt.Fprintf(out, "\nTo view logs:\n  leafsync service logs --name %s\n", name)
	return nil
}

// runServiceLive is the service body: live replication with the
// configuration at path.
func runServiceLive(ctx context.Context, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	logger, closer, err := setupLogging(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()
	return runLive(ctx, cfg, logger)
}
