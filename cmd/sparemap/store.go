package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sparemap/sparemap/internal/config"
	"github.com/sparemap/sparemap/internal/device"
	"github.com/sparemap/sparemap/internal/fingerprint"
	"github.com/sparemap/sparemap/internal/metadata"
	"github.com/sparemap/sparemap/pkg/bytesize"
	"github.com/sparemap/sparemap/pkg/metaformat"
)

var (
	initTargets    []string
	initSectorSize uint32
	initForce      bool
	repairDryRun   bool
)

func newInitCmd() *cobra.Command {
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize remap metadata on the spare device",
		Long: `Initialize remap metadata on the configured spare device.

Each target device is fingerprinted and recorded in the device topology; the
spare device itself carries five redundant copies of the metadata.

Examples:
  # Protect one device with the configured spare
  sparemap init --config sparemap.yaml --target /dev/sda

  # Re-initialize, discarding existing metadata
  sparemap init --config sparemap.yaml --target /dev/sda --force`,
		RunE: runInit,
	}
	initCmd.Flags().StringSliceVar(&initTargets, "target", nil, "target device path (repeatable)")
	initCmd.Flags().Uint32Var(&initSectorSize, "sector-size", 512, "logical sector size in bytes")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite existing metadata")
	return initCmd
}

// nolint:revive // args required by cobra.Command RunE signature
func runInit(cmd *cobra.Command, args []string) error {
	setupLogging()

	if len(initTargets) == 0 {
		return fmt.Errorf("at least one --target is required")
	}
	if initSectorSize == 0 || initSectorSize%512 != 0 {
		return fmt.Errorf("sector size must be a positive multiple of 512")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, dev, err := openStore(cfg, false, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	ctx := context.Background()
	if _, err := store.Read(ctx); err == nil && !initForce {
		return fmt.Errorf("device %s already carries metadata; use --force to overwrite", cfg.Store.Device)
	}

	devCfg := metaformat.DeviceConfig{SectorSize: initSectorSize}
	for _, path := range initTargets {
		target, err := device.OpenReadOnly(path)
		if err != nil {
			return fmt.Errorf("open target %s: %w", path, err)
		}
		size, err := target.Size()
		_ = target.Close()
		if err != nil {
			return fmt.Errorf("size of target %s: %w", path, err)
		}
		devCfg.Targets = append(devCfg.Targets, metaformat.TargetDevice{
			UUID:        uuid.New(),
			Path:        path,
			SectorCount: uint64(size) / uint64(initSectorSize),
		})
	}

	spareSize, err := dev.Size()
	if err != nil {
		return fmt.Errorf("size of spare device: %w", err)
	}
	devCfg.Spares = []metaformat.SpareDevice{{
		UUID:        uuid.New(),
		Path:        cfg.Store.Device,
		SectorCount: uint64(spareSize) / uint64(initSectorSize),
	}}

	maxEntries := uint32(cfg.Store.MaxEntries)
	if fits := metaformat.MaxEntriesFor(devCfg); maxEntries > fits {
		log.Warn().Uint32("requested", maxEntries).Uint32("fits", fits).
			Msg("remap capacity clamped to what fits in a metadata block")
		maxEntries = fits
	}

	rec := metaformat.NewRecord(devCfg, maxEntries)
	res := store.Engine().ValidateRecord(rec, cfg.Level())
	if !res.OK() {
		return fmt.Errorf("refusing to write invalid metadata:\n%s", res.Render())
	}

	if err := store.Write(ctx, rec); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	fmt.Printf("Metadata initialized on %s\n", cfg.Store.Device)
	fmt.Printf("  Targets:        %d\n", len(devCfg.Targets))
	fmt.Printf("  Spare capacity: %s\n", bytesize.Format(spareSize))
	fmt.Printf("  Remap capacity: %d entries\n", maxEntries)
	return nil
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Inspect the metadata copy slots on the spare device",
		RunE:  runInspect,
	}
}

// nolint:revive // args required by cobra.Command RunE signature
func runInspect(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, dev, err := openStore(cfg, true, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	rr, err := store.Read(context.Background())
	if err != nil {
		if errors.Is(err, metadata.ErrNoValidCopy) {
			fmt.Printf("Device:  %s\n", cfg.Store.Device)
			fmt.Printf("Status:  no valid metadata copy found\n")
			return err
		}
		return err
	}

	rec := rr.Record
	fmt.Printf("Device:     %s\n", cfg.Store.Device)
	fmt.Printf("Sequence:   %d (slot %d)\n", rec.Header.Sequence, rr.BestSlot)
	fmt.Printf("Copies:     %d/%d valid\n", rr.ValidSlots, metaformat.SlotCount)
	fmt.Printf("Targets:    %d\n", len(rec.Config.Targets))
	fmt.Printf("Spares:     %d\n", len(rec.Config.Spares))
	fmt.Printf("Remap:      %d/%d entries used\n", rec.Remap.ActiveCount(), rec.Remap.MaxCount)
	fmt.Printf("Health:     %d/100\n", rec.Health.HealthScore)

	fmt.Println("\nCopy slots:")
	for i, slot := range rr.Slots {
		switch {
		case slot.Valid:
			fmt.Printf("  [%d] offset %-10d valid   seq %d\n", i, slot.Offset, slot.Record.Header.Sequence)
		case slot.Err != nil:
			fmt.Printf("  [%d] offset %-10d error   %v\n", i, slot.Offset, slot.Err)
		default:
			fmt.Printf("  [%d] offset %-10d invalid %s\n", i, slot.Offset, slot.Result.Summary())
		}
	}

	if !rr.Validation.OK() {
		fmt.Printf("\nValidation (%s level):\n%s\n", cfg.Level(), rr.Validation.Render())
	}
	if rr.NeedsRepair {
		fmt.Println("\nThis store needs repair: run `sparemap repair`.")
	}

	if observed, err := fingerprint.Collect(dev); err == nil {
		verifySpareIdentity(cfg, store, rec, observed)
	}
	return nil
}

func newRepairCmd() *cobra.Command {
	repairCmd := &cobra.Command{
		Use:   "repair",
		Short: "Rewrite defective copy slots from the best valid copy",
		RunE:  runRepair,
	}
	repairCmd.Flags().BoolVar(&repairDryRun, "dry-run", false, "report what would be repaired without writing")
	return repairCmd
}

// nolint:revive // args required by cobra.Command RunE signature
func runRepair(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, dev, err := openStore(cfg, repairDryRun, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	ctx := context.Background()
	if repairDryRun {
		rr, err := store.Read(ctx)
		if err != nil {
			return err
		}
		if !rr.NeedsRepair {
			fmt.Println("All copy slots are healthy; nothing to repair.")
			return nil
		}
		stale := 0
		for _, slot := range rr.Slots {
			if !slot.Valid || slot.Record.Header.Sequence != rr.Record.Header.Sequence {
				stale++
			}
		}
		fmt.Printf("%d of %d copy slots would be rewritten from sequence %d.\n",
			stale, metaformat.SlotCount, rr.Record.Header.Sequence)
		return nil
	}

	rewritten, err := store.Repair(ctx)
	if err != nil {
		return fmt.Errorf("repair: %w", err)
	}
	if rewritten == 0 {
		fmt.Println("All copy slots are healthy; nothing to repair.")
	} else {
		fmt.Printf("Rewrote %d copy slot(s).\n", rewritten)
	}
	return nil
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <file>",
		Short: "Export the current metadata record to a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackup,
	}
}

func runBackup(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, dev, err := openStore(cfg, true, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	rr, err := store.Read(context.Background())
	if err != nil {
		return err
	}
	if err := metadata.ExportSnapshot(args[0], rr.Record); err != nil {
		return err
	}

	fmt.Printf("Snapshot of sequence %d written to %s\n", rr.Record.Header.Sequence, args[0])
	return nil
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file>",
		Short: "Restore metadata from a snapshot file",
		Long: `Restore metadata from a snapshot file.

The restored record is written with a fresh sequence number, so it supersedes
whatever the copy slots currently hold.`,
		Args: cobra.ExactArgs(1),
		RunE: runRestore,
	}
}

func runRestore(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rec, err := metadata.ImportSnapshot(args[0])
	if err != nil {
		return err
	}

	store, dev, err := openStore(cfg, false, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	res := store.Engine().ValidateRecord(rec, cfg.Level())
	if !res.OK() && !store.Engine().IsRepairable(res) {
		return fmt.Errorf("snapshot fails validation:\n%s", res.Render())
	}

	if err := store.Write(context.Background(), rec); err != nil {
		return fmt.Errorf("write restored metadata: %w", err)
	}

	fmt.Printf("Snapshot restored to %s as sequence %d\n", cfg.Store.Device, rec.Header.Sequence)
	return nil
}

// verifySpareIdentity warns when the configured spare no longer matches the
// identity recorded in the metadata.
func verifySpareIdentity(cfg *config.Config, store *metadata.Store, rec *metaformat.Record, observed fingerprint.Fingerprint) {
	matcher := newMatcher(cfg)
	for _, spare := range rec.Config.Spares {
		res := store.Engine().CheckSpareIdentity(spare, rec.Config.SectorSize, observed, matcher)
		if res.OK() {
			return
		}
	}
	log.Warn().Str("device", cfg.Store.Device).
		Msg("configured spare does not match any identity recorded in its metadata")
}
