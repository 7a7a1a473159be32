package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/sparemap/sparemap/internal/config"
	"github.com/sparemap/sparemap/internal/health"
	"github.com/sparemap/sparemap/internal/metadata"
	"github.com/sparemap/sparemap/internal/metrics"
	"github.com/sparemap/sparemap/internal/remap"
)

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Run the health monitor daemon",
		Long: `Run the health monitor daemon.

The monitor periodically scores the setup from its remap table, persists the
score through the metadata store, and optionally serves Prometheus metrics.`,
		RunE: runMonitor,
	}
}

// nolint:revive // args required by cobra.Command RunE signature
func runMonitor(cmd *cobra.Command, args []string) error {
	setupLogging()
	logStartupBanner()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := cfgFile
	if path == "" {
		return fmt.Errorf("config file required (--config)")
	}
	return runMonitorWithConfig(ctx, path)
}

// runMonitorFromService runs the monitor from within a service.
func runMonitorFromService(ctx context.Context, configPath string) error {
	log.Info().Str("config_path", configPath).Msg("monitor starting under service manager")
	return runMonitorWithConfig(ctx, configPath)
}

func runMonitorWithConfig(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	var storeMetrics *metrics.StoreMetrics
	if cfg.Metrics.Enabled {
		storeMetrics = metrics.InitStoreMetrics(cfg.Store.Device)
	}

	store, dev, err := openStore(cfg, false, storeMetrics)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	rr, err := store.Read(ctx)
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	if rr.NeedsRepair {
		rewritten, err := store.Repair(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("startup repair failed; continuing degraded")
		} else if rewritten > 0 {
			log.Info().Int("slots", rewritten).Msg("repaired copy slots at startup")
		}
	}

	// Rebuild the in-memory remap table from the persisted record.
	table := remap.NewTable(int(rr.Record.Remap.MaxCount))
	table.Restore(rr.Record.Remap.Entries)
	log.Info().Int("entries", table.Len()).Uint64("sequence", rr.Record.Header.Sequence).
		Msg("remap table restored")

	interval, err := cfg.MonitorInterval()
	if err != nil {
		return err
	}
	writeGap, err := cfg.MonitorWriteInterval()
	if err != nil {
		return err
	}

	mon := health.New(health.Config{
		Store:     store,
		Table:     table,
		Interval:  interval,
		WriteRate: rate.Every(writeGap),
		Burst:     1,
		Logger:    log.Logger,
	})
	mon.Start(ctx)
	defer mon.Stop()

	var srv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("listen", cfg.Metrics.Listen).Msg("metrics endpoint listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	log.Info().Dur("interval", interval).Str("device", cfg.Store.Device).Msg("health monitor running")
	<-ctx.Done()

	log.Info().Msg("shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}

	// Persist one final state so the on-disk score reflects shutdown time.
	finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mon.RunOnce(finalCtx); err != nil && !errors.Is(err, metadata.ErrNoValidCopy) {
		log.Warn().Err(err).Msg("final health persist failed")
	}
	return nil
}
