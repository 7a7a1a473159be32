package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sparemap/sparemap/internal/device"
	"github.com/sparemap/sparemap/internal/discovery"
	"github.com/sparemap/sparemap/internal/fingerprint"
	"github.com/sparemap/sparemap/internal/metadata"
	"github.com/sparemap/sparemap/pkg/bytesize"
	"github.com/sparemap/sparemap/pkg/metaformat"
)

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan [paths...]",
		Short: "Scan devices for remap metadata and group them into setups",
		Long: `Scan candidate devices for remap metadata.

Devices carrying valid metadata are grouped into setups; spares recorded at a
path that no longer exists are matched against the scanned devices by
fingerprint, and likely reattachments are reported.

Paths default to scan.paths from the config file.`,
		RunE: runScan,
	}
}

func runScan(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	paths := args
	if len(paths) == 0 {
		paths = cfg.Scan.Paths
	}
	if len(paths) == 0 {
		return fmt.Errorf("no paths to scan: pass them as arguments or set scan.paths in the config")
	}

	scanner := discovery.NewScanner(metadata.Options{
		Level:  cfg.Level(),
		Engine: cfg.EngineConfig(),
		Logger: log.Logger,
	}, newMatcher(cfg), log.Logger)

	setups, candidates, err := scanner.Scan(context.Background(), paths)
	if err != nil {
		return err
	}

	fmt.Printf("Scanned %d device(s), found %d setup(s)\n", len(candidates), len(setups))

	for _, c := range candidates {
		switch {
		case c.Err != nil:
			fmt.Printf("  %-30s error: %v\n", c.Path, c.Err)
		case c.Read == nil:
			fmt.Printf("  %-30s no metadata (%s)\n", c.Path, bytesize.Format(c.Fingerprint.ByteSize))
		default:
			fmt.Printf("  %-30s seq %d, %d/%d copies valid\n",
				c.Path, c.Read.Record.Header.Sequence, c.Read.ValidSlots, metaformat.SlotCount)
		}
	}

	for _, setup := range setups {
		fmt.Printf("\nSetup %s\n", setup.ID)
		fmt.Printf("  Sequence: %d\n", setup.Record.Header.Sequence)
		fmt.Printf("  Targets:  %d, spares: %d\n", len(setup.Record.Config.Targets), len(setup.Record.Config.Spares))
		if setup.NeedRepair {
			fmt.Printf("  A member store needs repair.\n")
		}
		for _, r := range setup.Reattach {
			fmt.Printf("  Spare %s recorded at %s looks like %s (confidence %d, %s)\n",
				r.Spare.UUID, r.Spare.Path, r.Match.Candidate.Path, r.Match.Confidence, r.Match.Band)
			if r.Match.Band < fingerprint.BandHigh {
				fmt.Printf("    Confidence below high; verify before reattaching.\n")
			}
		}
	}
	return nil
}

func newFingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <path>",
		Short: "Show the identity fingerprint of a device",
		Args:  cobra.ExactArgs(1),
		RunE:  runFingerprint,
	}
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	setupLogging()

	dev, err := device.OpenReadOnly(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	fp, err := fingerprint.Collect(dev)
	if err != nil {
		return err
	}

	fmt.Printf("Path:   %s\n", fp.Path)
	fmt.Printf("Size:   %s (%d bytes)\n", bytesize.Format(fp.ByteSize), fp.ByteSize)
	if fp.SerialHash != "" {
		fmt.Printf("Serial: %s\n", fp.SerialHash)
	} else {
		fmt.Printf("Serial: unknown\n")
	}
	return nil
}
