// blobmesh is a blob-service gateway that presents many storage accounts as
// one account and replicates blobs between them.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/blobmesh/internal/config"
	"github.com/tunnelmesh/blobmesh/internal/logging/loki"
	"github.com/tunnelmesh/blobmesh/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Service mode flags (hidden, used when running as a service)
	serviceRun     bool
	serviceRunMode string
)

func main() {
	// Check if running as a service (invoked by service manager)
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blobmesh",
		Short: "blobmesh - one blob account backed by many",
		Long: `blobmesh is a gateway that speaks the blob service protocol for a single
virtual account and spreads blobs over several backing storage accounts.

QUICK START:

  # Keys stay out of the config file
  export BLOBMESH_KEY_GATEWAY=...
  export BLOBMESH_KEY_DATA0=...

  # Run the gateway
  blobmesh serve --config /etc/blobmesh/blobmesh.yaml

  # Run replication workers against the shared queue
  blobmesh worker --config /etc/blobmesh/blobmesh.yaml

For more help on any command, use: blobmesh <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides log_level in the config)")

	// Hidden service mode flags (used when running as a service)
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	rootCmd.PersistentFlags().StringVar(&serviceRunMode, "service-mode", "", "Service mode: serve or worker (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")
	_ = rootCmd.PersistentFlags().MarkHidden("service-mode")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the gateway on the configured listen address. With the memory queue
backend the replication dispatcher runs in the same process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return runServe(ctx, configPath())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "worker",
		Short: "Run the replication queue worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return runWorker(ctx, configPath())
		},
	})

	rootCmd.AddCommand(newPlaceCmd())
	rootCmd.AddCommand(newSignURLCmd())
	rootCmd.AddCommand(newServiceCmd())

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "blobmesh %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			_, _ = fmt.Fprintf(out, "  Go:         %s\n", runtime.Version())
		},
	})

	return rootCmd
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return svc.DefaultConfigPath()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// loadConfig loads and validates the configuration file.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// setupLogging configures the global logger for commands that run before a
// config file is read.
func setupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(parseLevel(logLevel, "info"))
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// configureLogging applies the config's level and format and, when enabled,
// adds Loki shipping. The returned func flushes Loki and must be called on exit.
func configureLogging(cfg *config.Config, mode string) func() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(parseLevel(logLevel, cfg.LogLevel))

	var lokiWriter *loki.Writer
	if cfg.Loki.Enabled {
		labels := map[string]string{"mode": mode, "version": Version}
		for k, v := range cfg.Loki.Labels {
			labels[k] = v
		}
		lokiWriter = loki.NewWriter(loki.Config{
			URL:           cfg.Loki.URL,
			Labels:        labels,
			BatchSize:     cfg.Loki.BatchSize,
			FlushInterval: config.Duration(cfg.Loki.FlushInterval),
			Compress:      cfg.Loki.Compress,
		})
		lokiWriter.Start()
	}

	log.Logger = zerolog.New(logWriter(cfg.LogFormat, os.Stderr, lokiWriter)).With().Timestamp().Logger()
	if lokiWriter == nil {
		return func() {}
	}
	log.Info().Str("url", cfg.Loki.URL).Msg("Loki log shipping enabled")
	return lokiWriter.Stop
}

// logWriter builds the log output: console or JSON on out, teed to Loki when
// shipping is on. Loki always receives JSON.
func logWriter(format string, out io.Writer, lokiWriter *loki.Writer) io.Writer {
	var w io.Writer = out
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: out}
	}
	if lokiWriter == nil {
		return w
	}
	return zerolog.MultiLevelWriter(w, lokiWriter)
}

// parseLevel returns the first parseable non-empty level, falling back to info.
func parseLevel(levels ...string) zerolog.Level {
	for _, l := range levels {
		if l == "" {
			continue
		}
		if level, err := zerolog.ParseLevel(l); err == nil {
			return level
		}
	}
	return zerolog.InfoLevel
}

// runAsService is the entry point when the service manager starts blobmesh.
func runAsService() {
	setupLogging()

	// Parse the service-specific flags manually
	var mode, path string
	for i, arg := range os.Args {
		if arg == "--service-mode" && i+1 < len(os.Args) {
			mode = os.Args[i+1]
		}
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			path = os.Args[i+1]
		}
	}

	if mode == "" {
		log.Fatal().Msg("service mode not specified")
	}
	if path == "" {
		path = svc.DefaultConfigPath()
	}

	log.Info().
		Str("mode", mode).
		Str("config", path).
		Str("version", Version).
		Msg("starting as service")

	cfg := &svc.ServiceConfig{
		Name:        svc.DefaultServiceName(mode),
		DisplayName: svc.DefaultDisplayName(mode),
		Description: svc.DefaultDescription(mode),
		Mode:        mode,
		ConfigPath:  path,
	}

	prg := &svc.Program{
		Mode:       mode,
		ConfigPath: path,
		RunServe:   runServe,
		RunWorker:  runWorker,
	}

	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}
