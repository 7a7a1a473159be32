// sparemap manages bad-sector remap metadata on spare devices.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sparemap/sparemap/internal/config"
	"github.com/sparemap/sparemap/internal/device"
	"github.com/sparemap/sparemap/internal/fingerprint"
	"github.com/sparemap/sparemap/internal/metadata"
	"github.com/sparemap/sparemap/internal/metrics"
	"github.com/sparemap/sparemap/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Service mode flag (hidden, used when running as a service)
	serviceRun bool
)

func main() {
	// Check if running as a service (invoked by service manager)
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	rootCmd := &cobra.Command{
		Use:   "sparemap",
		Short: "Sparemap - bad-sector remap metadata manager",
		Long: `Sparemap keeps the metadata of a bad-sector remapping setup redundant and
healthy. Every record is stored in five copy slots on the spare device,
checksummed and sequence-numbered, so a single media failure never loses the
remap table.

QUICK START:

  # Initialize metadata on a spare device:
  sparemap init --config sparemap.yaml --target /dev/sda

  # Inspect the copy slots:
  sparemap inspect --config sparemap.yaml

  # Rewrite defective slots from the best valid copy:
  sparemap repair --config sparemap.yaml

  # Run the health monitor daemon:
  sparemap monitor --config sparemap.yaml

  # Install as a system service (optional):
  sudo sparemap service install --config /etc/sparemap/sparemap.yaml

For more help on any command, use: sparemap <command> --help`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	// Hidden service mode flag (used when running as a service)
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newRepairCmd())
	rootCmd.AddCommand(newBackupCmd())
	rootCmd.AddCommand(newRestoreCmd())
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newFingerprintCmd())
	rootCmd.AddCommand(newMonitorCmd())
	rootCmd.AddCommand(newServiceCmd())

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sparemap %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration file.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = svc.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// openStore opens the configured spare device and its metadata store.
// The caller closes the returned device.
func openStore(cfg *config.Config, readOnly bool, m *metrics.StoreMetrics) (*metadata.Store, device.Device, error) {
	var dev *device.FileDevice
	var err error
	if readOnly {
		dev, err = device.OpenReadOnly(cfg.Store.Device)
	} else {
		dev, err = device.Open(cfg.Store.Device)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open spare device: %w", err)
	}

	store, err := metadata.Open(dev, metadata.Options{
		SlotOffsets: cfg.Store.SlotOffsets,
		Level:       cfg.Level(),
		Engine:      cfg.EngineConfig(),
		Logger:      log.Logger,
		Metrics:     m,
	})
	if err != nil {
		_ = dev.Close()
		return nil, nil, err
	}
	return store, dev, nil
}

// newMatcher builds the fingerprint matcher from config.
func newMatcher(cfg *config.Config) *fingerprint.Matcher {
	return fingerprint.NewMatcher(cfg.Match.Thresholds)
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// logStartupBanner logs the daemon startup banner with version information.
func logStartupBanner() {
	fmt.Fprintf(os.Stderr, "sparemap - bad-sector remap metadata manager\n")
	fmt.Fprintf(os.Stderr, "  Version:    %s\n", Version)
	fmt.Fprintf(os.Stderr, "  Commit:     %s\n", Commit)
	fmt.Fprintf(os.Stderr, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(os.Stderr, "  Go:         %s\n", runtime.Version())
	fmt.Fprintf(os.Stderr, "  OS/Arch:    %s/%s\n\n", runtime.GOOS, runtime.GOARCH)
}

// setupServiceLogging sets up logging when running under a service manager,
// which may not redirect stderr anywhere useful.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logPath := "/var/log/sparemap-service.log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}

	multi := io.MultiWriter(logFile, os.Stderr)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: multi, TimeFormat: time.RFC3339})
}

// runAsService runs the monitor as a system service.
// This is called when the service manager starts the binary with --service-run.
func runAsService() {
	setupServiceLogging()
	logStartupBanner()

	var configPath string
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}

	log.Info().Str("config", configPath).Msg("starting as service")

	cfg := &svc.ServiceConfig{
		Name:        svc.DefaultServiceName(),
		DisplayName: svc.DefaultDisplayName(),
		Description: svc.DefaultDescription(),
		ConfigPath:  configPath,
	}
	prg := &svc.Program{
		ConfigPath: configPath,
		Run:        runMonitorFromService,
	}

	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}
