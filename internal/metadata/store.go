// Package metadata implements the redundant metadata store for sparemap
// setups: every record is persisted across five fixed copy slots on the spare
// device, validated on read, and the newest valid copy wins. Corrupted or
// stale slots are brought back in line by repair passes.
package metadata

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sparemap/sparemap/internal/device"
	"github.com/sparemap/sparemap/internal/metrics"
	"github.com/sparemap/sparemap/pkg/metaformat"
)

// DefaultSlotOffsets returns the standard slot layout: five blocks starting
// at 4 KiB, spaced 1 MiB apart so a localized media failure is unlikely to
// take out adjacent copies.
func DefaultSlotOffsets() []int64 {
	offsets := make([]int64, metaformat.SlotCount)
	for i := range offsets {
		offsets[i] = 4096 + int64(i)<<20
	}
	return offsets
}

// Options configures a Store.
type Options struct {
	// SlotOffsets are the byte offsets of the copy slots on the device.
	// Defaults to DefaultSlotOffsets; must have exactly SlotCount entries.
	SlotOffsets []int64

	// Level is the validation level applied to the best copy on Read.
	// Quorum membership is always decided by structural checks alone.
	Level Level

	Engine  EngineConfig
	Logger  zerolog.Logger
	Metrics *metrics.StoreMetrics

	// Clock is overridable for tests; defaults to time.Now.
	Clock func() time.Time
}

// SlotState describes what Read found in one copy slot.
type SlotState struct {
	Offset int64
	Err    error   // I/O or decode error, nil otherwise
	Result *Result // structural validation result, nil when unreadable
	Record *metaformat.Record
	Valid  bool
}

// ReadResult is the outcome of a quorum read.
type ReadResult struct {
	// Record is the best valid copy (highest sequence, ties broken by
	// timestamp). The caller owns it exclusively.
	Record *metaformat.Record

	// Validation is the semantic validation of the best copy at the
	// store's configured level.
	Validation *Result

	BestSlot   int
	ValidSlots int

	// NeedsRepair is set when fewer than all slots validate, when valid
	// slots disagree on sequence number, or when the best copy has
	// repairable semantic defects.
	NeedsRepair bool

	Slots [metaformat.SlotCount]SlotState
}

// Stats is a snapshot of per-store operation counters.
type Stats struct {
	Reads          uint64
	Writes         uint64
	Repairs        uint64
	SlotsRewritten uint64
	InvalidSlots   uint64
	LastSequence   uint64
}

// Store is the metadata store for one backing device. Each store owns its
// lock and sequence counter; there is no process-wide state.
type Store struct {
	dev     device.Device
	offsets []int64
	level   Level
	engine  *Engine
	log     zerolog.Logger
	metrics *metrics.StoreMetrics
	clock   func() time.Time

	// mu serializes Write and Repair. Read never takes it: a torn slot
	// fails its checksum and drops out of quorum, so readers racing a
	// writer see either the old or the new record, never a mixture.
	mu  sync.Mutex
	seq uint64 // last issued sequence number, guarded by mu

	reads          atomic.Uint64
	writes         atomic.Uint64
	repairs        atomic.Uint64
	slotsRewritten atomic.Uint64
	invalidSlots   atomic.Uint64
}

// Open creates a store handle for a device and seeds the sequence counter
// from the highest sequence number already committed in any valid slot, so a
// restart can never issue a sequence at or below one on disk. A fresh device
// starts issuing at 1.
func Open(dev device.Device, opts Options) (*Store, error) {
	if len(opts.SlotOffsets) == 0 {
		opts.SlotOffsets = DefaultSlotOffsets()
	}
	if len(opts.SlotOffsets) != metaformat.SlotCount {
		return nil, fmt.Errorf("store needs %d slot offsets, got %d", metaformat.SlotCount, len(opts.SlotOffsets))
	}
	if opts.Level == 0 {
		opts.Level = LevelStandard
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Engine.Clock == nil {
		opts.Engine.Clock = opts.Clock
	}

	s := &Store{
		dev:     dev,
		offsets: opts.SlotOffsets,
		level:   opts.Level,
		engine:  NewEngine(opts.Engine),
		log:     opts.Logger.With().Str("component", "metadata-store").Str("device", dev.Path()).Logger(),
		metrics: opts.Metrics,
		clock:   opts.Clock,
	}

	// Seed the counter; a device with no valid copies is simply fresh.
	if rr, err := s.Read(context.Background()); err == nil {
		s.seq = rr.Record.Header.Sequence
		s.log.Debug().Uint64("sequence", s.seq).Int("valid_slots", rr.ValidSlots).Msg("opened existing metadata")
	}
	return s, nil
}

// Engine exposes the store's validation engine for discovery tooling.
func (s *Store) Engine() *Engine { return s.engine }

// Device returns the backing device.
func (s *Store) Device() device.Device { return s.dev }

// Read performs a quorum read: every slot is read and structurally
// validated, and the valid copy with the highest sequence number wins (ties
// broken by timestamp). Unreadable slots count the same as invalid ones.
// Read succeeds with any non-zero number of valid slots and never blocks on
// the write lock.
func (s *Store) Read(ctx context.Context) (*ReadResult, error) {
	start := s.clock()
	s.reads.Add(1)
	if s.metrics != nil {
		s.metrics.ReadsTotal.Inc()
		defer func() { s.metrics.OpDuration.WithLabelValues("read").Observe(s.clock().Sub(start).Seconds()) }()
	}

	rr := &ReadResult{BestSlot: -1}
	for i, off := range s.offsets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		slot := &rr.Slots[i]
		slot.Offset = off

		block := make([]byte, metaformat.BlockSize)
		if _, err := s.dev.ReadAt(block, off); err != nil {
			slot.Err = err
			s.noteInvalidSlot(i, "unreadable", err)
			continue
		}

		slot.Result = s.engine.ValidateStructure(block)
		if !slot.Result.OK() {
			s.noteInvalidSlot(i, slot.Result.Summary(), nil)
			continue
		}

		rec, err := metaformat.Decode(block)
		if err != nil {
			slot.Err = err
			s.noteInvalidSlot(i, "undecodable", err)
			continue
		}
		slot.Record = rec
		slot.Valid = true
		rr.ValidSlots++

		if rr.BestSlot < 0 || newerThan(rec.Header, rr.Slots[rr.BestSlot].Record.Header) {
			rr.BestSlot = i
		}
	}

	if rr.ValidSlots == 0 {
		if s.metrics != nil {
			s.metrics.ReadFailed.Inc()
			s.metrics.ValidSlots.Set(0)
		}
		return nil, fmt.Errorf("%s: %w", s.dev.Path(), ErrNoValidCopy)
	}

	best := rr.Slots[rr.BestSlot].Record
	rr.Record = best.Clone()
	rr.Validation = s.engine.ValidateRecord(rr.Record, s.level)

	rr.NeedsRepair = rr.ValidSlots < metaformat.SlotCount
	for i := range rr.Slots {
		if rr.Slots[i].Valid && rr.Slots[i].Record.Header.Sequence != best.Header.Sequence {
			rr.NeedsRepair = true
		}
	}
	if !rr.Validation.OK() && s.engine.IsRepairable(rr.Validation) {
		rr.NeedsRepair = true
	}

	if s.metrics != nil {
		s.metrics.BestSequence.Set(float64(best.Header.Sequence))
		s.metrics.ValidSlots.Set(float64(rr.ValidSlots))
		if rr.ValidSlots < metaformat.SlotCount {
			s.metrics.ReadDegraded.Inc()
		}
	}
	if rr.NeedsRepair {
		s.log.Warn().Int("valid_slots", rr.ValidSlots).Uint64("sequence", best.Header.Sequence).
			Msg("metadata readable but needs repair")
	}
	return rr, nil
}

// Write persists a record to all slots under the store's exclusive lock. The
// record is stamped with the next sequence number, the current time and a
// fresh checksum per slot; the caller's record is updated in place. The
// first slot error aborts the write and is returned; slots already written
// are not rolled back — a subsequent Repair converges the slots from
// whichever copy carries the highest sequence.
func (s *Store) Write(ctx context.Context, rec *metaformat.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx, rec)
}

func (s *Store) writeLocked(ctx context.Context, rec *metaformat.Record) error {
	start := s.clock()
	s.writes.Add(1)
	if s.metrics != nil {
		s.metrics.WritesTotal.Inc()
		defer func() { s.metrics.OpDuration.WithLabelValues("write").Observe(s.clock().Sub(start).Seconds()) }()
	}

	s.seq++
	rec.Header.Sequence = s.seq
	rec.Header.Timestamp = s.clock().UnixNano()

	for i, off := range s.offsets {
		if err := ctx.Err(); err != nil {
			s.noteWriteError(i, err)
			return err
		}
		block, err := s.encodeSlot(rec, uint8(i))
		if err != nil {
			s.noteWriteError(i, err)
			return err
		}
		if _, err := s.dev.WriteAt(block, off); err != nil {
			s.noteWriteError(i, err)
			return fmt.Errorf("write slot %d at offset %d: %w", i, off, err)
		}
	}
	if err := s.dev.Sync(); err != nil {
		s.noteWriteError(-1, err)
		return fmt.Errorf("sync %s: %w", s.dev.Path(), err)
	}

	s.log.Debug().Uint64("sequence", rec.Header.Sequence).Msg("metadata written to all slots")
	return nil
}

// WriteAsync stamps the record under the store lock and fans the five slot
// writes out concurrently through an AsyncWrite. The lock is held until the
// fan-out joins, so writes stay strictly ordered; the caller collects the
// outcome via Wait or abandons it via Cancel.
func (s *Store) WriteAsync(ctx context.Context, rec *metaformat.Record) (*AsyncWrite, error) {
	s.mu.Lock()

	s.writes.Add(1)
	if s.metrics != nil {
		s.metrics.WritesTotal.Inc()
	}

	s.seq++
	rec.Header.Sequence = s.seq
	rec.Header.Timestamp = s.clock().UnixNano()

	blocks := make([][]byte, metaformat.SlotCount)
	for i := range blocks {
		block, err := s.encodeSlot(rec, uint8(i))
		if err != nil {
			s.mu.Unlock()
			s.noteWriteError(i, err)
			return nil, err
		}
		blocks[i] = block
	}

	aw := beginWrite(ctx, s.dev, blocks, s.offsets, s.log)
	go func() {
		<-aw.done
		s.mu.Unlock()
	}()
	return aw, nil
}

// Repair rewrites every slot that fails validation or disagrees with the
// best copy's sequence number, using the best copy's content. It fails only
// when no valid copy exists anywhere and returns the number of slots
// rewritten; 0 on a healthy store is success.
func (s *Store) Repair(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.clock()
	s.repairs.Add(1)
	if s.metrics != nil {
		s.metrics.RepairsTotal.Inc()
		defer func() { s.metrics.OpDuration.WithLabelValues("repair").Observe(s.clock().Sub(start).Seconds()) }()
	}

	rr, err := s.Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("repair: %w", err)
	}
	best := rr.Record

	rewritten := 0
	for i, off := range s.offsets {
		slot := rr.Slots[i]
		if slot.Valid && slot.Record.Header.Sequence == best.Header.Sequence {
			continue
		}
		block, err := s.encodeSlot(best, uint8(i))
		if err != nil {
			return rewritten, err
		}
		if _, err := s.dev.WriteAt(block, off); err != nil {
			return rewritten, fmt.Errorf("repair slot %d at offset %d: %w", i, off, err)
		}
		rewritten++
		s.slotsRewritten.Add(1)
		if s.metrics != nil {
			s.metrics.SlotsRewritten.Inc()
		}
		s.log.Info().Int("slot", i).Uint64("sequence", best.Header.Sequence).Msg("rewrote copy slot")
	}

	if rewritten > 0 {
		if err := s.dev.Sync(); err != nil {
			return rewritten, fmt.Errorf("sync %s: %w", s.dev.Path(), err)
		}
	}
	return rewritten, nil
}

// Stats returns a snapshot of the store's counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	seq := s.seq
	s.mu.Unlock()
	return Stats{
		Reads:          s.reads.Load(),
		Writes:         s.writes.Load(),
		Repairs:        s.repairs.Load(),
		SlotsRewritten: s.slotsRewritten.Load(),
		InvalidSlots:   s.invalidSlots.Load(),
		LastSequence:   seq,
	}
}

// encodeSlot encodes the record for one slot without mutating the caller's
// copy index permanently on shared state: the record is stamped, encoded,
// and the resulting block carries a checksum over that slot's copy index.
func (s *Store) encodeSlot(rec *metaformat.Record, copyIndex uint8) ([]byte, error) {
	rec.Header.CopyIndex = copyIndex
	block, err := rec.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode record for slot %d: %w", copyIndex, err)
	}
	return block, nil
}

func (s *Store) noteInvalidSlot(slot int, reason string, err error) {
	s.invalidSlots.Add(1)
	if s.metrics != nil {
		s.metrics.InvalidSlots.Inc()
	}
	ev := s.log.Debug().Int("slot", slot).Str("reason", reason)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("copy slot excluded from quorum")
}

func (s *Store) noteWriteError(slot int, err error) {
	if s.metrics != nil {
		s.metrics.WriteErrors.Inc()
	}
	s.log.Error().Int("slot", slot).Err(err).Msg("metadata write failed")
}

// newerThan implements best-copy ordering: higher sequence wins, equal
// sequences fall back to the higher timestamp.
func newerThan(a, b metaformat.Header) bool {
	if a.Sequence != b.Sequence {
		return a.Sequence > b.Sequence
	}
	return a.Timestamp > b.Timestamp
}
