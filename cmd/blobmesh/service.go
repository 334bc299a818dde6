package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/blobmesh/internal/svc"
)

// keyEnvPrefix selects the environment copied into an installed service.
const keyEnvPrefix = "BLOBMESH_"

type serviceOptions struct {
	mode       string
	configPath string
	name       string
	user       string
	force      bool
	follow     bool
	lines      int
}

func newServiceCmd() *cobra.Command {
	var opts serviceOptions

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the blobmesh system service",
		Long: `Install, control, and manage blobmesh as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  # Install the gateway; BLOBMESH_* variables are copied into the unit
  sudo -E blobmesh service install --mode serve --config /etc/blobmesh/blobmesh.yaml

  # Install a replication worker alongside it
  sudo -E blobmesh service install --mode worker

  # Control the service
  sudo blobmesh service start
  sudo blobmesh service status --mode worker

  # View logs
  sudo blobmesh service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVar(&opts.mode, "mode", svc.ModeServe, "Service mode: 'serve' (gateway) or 'worker' (replication)")
	serviceCmd.PersistentFlags().StringVarP(&opts.name, "name", "n", "", "Service name (default: blobmesh or blobmesh-worker)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install blobmesh as a system service",
		Long: `Install blobmesh as a system service that starts automatically at boot.

Account keys set as BLOBMESH_KEY_<NAME> in the installing environment are
stored in the service definition. Requires administrator/root privileges.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceInstall(cmd, &opts)
		},
	}
	installCmd.Flags().StringVar(&opts.configPath, "service-config", "", "Path to configuration file (default: --config or the platform default)")
	installCmd.Flags().StringVar(&opts.user, "user", "", "Run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&opts.force, "force", "f", false, "Force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the blobmesh system service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg := serviceConfig(&opts)
			log.Info().Str("name", cfg.Name).Msg("uninstalling service")
			if err := svc.Uninstall(cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled successfully.\n", cfg.Name)
			return nil
		},
	})

	controls := []struct{ action, short string }{
		{"start", "Start the blobmesh service"},
		{"stop", "Stop the blobmesh service"},
		{"restart", "Restart the blobmesh service"},
	}
	for _, c := range controls {
		action := c.action
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: c.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				setupLogging()
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				cfg := serviceConfig(&opts)
				log.Info().Str("name", cfg.Name).Str("action", action).Msg("controlling service")
				if err := svc.Control(cfg, action); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s done.\n", cfg.Name, action)
				return nil
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show blobmesh service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := serviceConfig(&opts)
			out := cmd.OutOrStdout()
			status, err := svc.Status(cfg)
			_, _ = fmt.Fprintf(out, "Service: %s\n", cfg.Name)
			if err != nil {
				// Service might not be installed
				_, _ = fmt.Fprintf(out, "Status:  not installed or unknown\n")
				_, _ = fmt.Fprintf(out, "Error:   %v\n", err)
				return nil
			}
			_, _ = fmt.Fprintf(out, "Status:  %s\n", svc.StatusString(status))
			_, _ = fmt.Fprintf(out, "Mode:    %s\n", cfg.Mode)
			return nil
		},
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View blobmesh service logs",
		Long: `View logs from the blobmesh service.

Log locations by platform:
  - Linux:   journalctl -u blobmesh
  - macOS:   /var/log/blobmesh.{out,err}.log
  - Windows: Event Viewer > Application log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := serviceConfig(&opts)
			return svc.ViewLogs(svc.LogOptions{
				ServiceName: cfg.Name,
				Follow:      opts.follow,
				Lines:       opts.lines,
			})
		},
	}
	logsCmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().IntVar(&opts.lines, "lines", 50, "Number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func runServiceInstall(cmd *cobra.Command, opts *serviceOptions) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	if opts.mode != svc.ModeServe && opts.mode != svc.ModeWorker {
		return fmt.Errorf("invalid mode %q: must be '%s' or '%s'", opts.mode, svc.ModeServe, svc.ModeWorker)
	}

	cfg := serviceConfig(opts)
	loaded, err := loadConfig(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("%w\nCreate a valid config file first or specify a different path with --service-config", err)
	}
	if opts.mode == svc.ModeWorker {
		if err := checkWorkerConfig(loaded); err != nil {
			return err
		}
	}

	cfg.Env = svc.KeyEnv(os.Environ(), keyEnvPrefix)

	log.Info().
		Str("name", cfg.Name).
		Str("mode", cfg.Mode).
		Str("config", cfg.ConfigPath).
		Strs("env", svc.EnvNames(cfg.Env)).
		Msg("installing service")

	if err := svc.Install(cfg, opts.force); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Service %q installed successfully.\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "\nTo start the service:\n")
	_, _ = fmt.Fprintf(out, "  blobmesh service start --mode %s --name %s\n", cfg.Mode, cfg.Name)
	_, _ = fmt.Fprintf(out, "\nTo view logs:\n")
	_, _ = fmt.Fprintf(out, "  blobmesh service logs --mode %s --name %s\n", cfg.Mode, cfg.Name)
	return nil
}

// serviceConfig resolves names and paths from the flags.
func serviceConfig(opts *serviceOptions) *svc.ServiceConfig {
	mode := opts.mode
	if mode == "" {
		mode = svc.ModeServe
	}

	name := opts.name
	if name == "" {
		name = svc.DefaultServiceName(mode)
	}

	path := opts.configPath
	if path == "" {
		path = configPath()
	}

	return &svc.ServiceConfig{
		Name:        name,
		DisplayName: svc.DefaultDisplayName(mode),
		Description: svc.DefaultDescription(mode),
		Mode:        mode,
		ConfigPath:  path,
		UserName:    opts.user,
	}
}
