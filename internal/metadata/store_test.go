package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparemap/sparemap/internal/device"
	"github.com/sparemap/sparemap/pkg/metaformat"
	"github.com/sparemap/sparemap/testutil"
)

const testImageSize = 8 << 20

func testOptions() Options {
	return Options{Logger: zerolog.Nop()}
}

func openStore(t *testing.T, dev device.Device) *Store {
	t.Helper()
	s, err := Open(dev, testOptions())
	require.NoError(t, err)
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	dev := testutil.TempImage(t, testImageSize)
	s := openStore(t, dev)
	ctx := context.Background()

	rec := testRecord()
	require.NoError(t, s.Write(ctx, rec))

	rr, err := s.Read(ctx)
	require.NoError(t, err)

	assert.Equal(t, metaformat.SlotCount, rr.ValidSlots)
	assert.False(t, rr.NeedsRepair)
	assert.True(t, rr.Validation.OK())

	got := rr.Record
	assert.Equal(t, uint64(1), got.Header.Sequence)
	assert.Equal(t, rec.Config, got.Config)
	assert.Equal(t, rec.Remap, got.Remap)
	assert.Equal(t, rec.Health, got.Health)

	// Every slot carries its own copy index and a checksum that validates.
	for i := range rr.Slots {
		require.True(t, rr.Slots[i].Valid)
		assert.Equal(t, uint8(i), rr.Slots[i].Record.Header.CopyIndex)
	}
}

func TestSequenceIncrementsPerWrite(t *testing.T) {
	dev := testutil.TempImage(t, testImageSize)
	s := openStore(t, dev)
	ctx := context.Background()

	rec := testRecord()
	require.NoError(t, s.Write(ctx, rec))
	require.NoError(t, s.Write(ctx, rec))
	require.NoError(t, s.Write(ctx, rec))

	rr, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rr.Record.Header.Sequence)
	assert.Equal(t, uint64(3), s.Stats().LastSequence)
}

func TestReopenSeedsSequenceFromDisk(t *testing.T) {
	dev := testutil.TempImage(t, testImageSize)
	ctx := context.Background()

	s1 := openStore(t, dev)
	rec := testRecord()
	require.NoError(t, s1.Write(ctx, rec))
	require.NoError(t, s1.Write(ctx, rec))

	// A fresh process must never issue a sequence at or below one on disk.
	s2 := openStore(t, dev)
	require.NoError(t, s2.Write(ctx, rec))

	rr, err := s2.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rr.Record.Header.Sequence)
}

func TestReadNoValidCopy(t *testing.T) {
	dev := testutil.TempImage(t, testImageSize)
	s := openStore(t, dev)

	_, err := s.Read(context.Background())
	assert.ErrorIs(t, err, ErrNoValidCopy)
}

func TestQuorumSingleValidSlot(t *testing.T) {
	dev := testutil.TempImage(t, testImageSize)
	s := openStore(t, dev)
	ctx := context.Background()

	rec := testRecord()
	rec.Health.HealthScore = 88
	require.NoError(t, s.Write(ctx, rec))

	// Corrupt four of the five slots on disk; slot 3 survives.
	offsets := DefaultSlotOffsets()
	for _, i := range []int{0, 1, 2, 4} {
		testutil.CorruptByte(t, dev.Path(), offsets[i]+100)
	}

	rr, err := s.Read(ctx)
	require.NoError(t, err, "one valid slot is enough for a successful read")
	assert.Equal(t, 1, rr.ValidSlots)
	assert.Equal(t, 3, rr.BestSlot)
	assert.True(t, rr.NeedsRepair)
	assert.Equal(t, uint8(88), rr.Record.Health.HealthScore)

	rewritten, err := s.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, rewritten)

	rr, err = s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, metaformat.SlotCount, rr.ValidSlots)
	assert.False(t, rr.NeedsRepair)
}

func TestRepairIdempotentOnHealthyStore(t *testing.T) {
	dev := testutil.TempImage(t, testImageSize)
	s := openStore(t, dev)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, testRecord()))

	rewritten, err := s.Repair(ctx)
	require.NoError(t, err)
	assert.Zero(t, rewritten, "a healthy 5/5 store repairs nothing")
	assert.Zero(t, s.Stats().SlotsRewritten)
}

func TestRepairFailsWithNoValidCopy(t *testing.T) {
	dev := testutil.TempImage(t, testImageSize)
	s := openStore(t, dev)

	_, err := s.Repair(context.Background())
	assert.ErrorIs(t, err, ErrNoValidCopy)
}

func TestCorruptSlotScenario(t *testing.T) {
	// Write r0 -> all slots sequence 1. Corrupt slot 2's payload on disk ->
	// read still returns r0 and flags repair. Repair -> slot 2 validates
	// again with sequence 1.
	dev := testutil.TempImage(t, testImageSize)
	s := openStore(t, dev)
	ctx := context.Background()

	r0 := testRecord()
	require.NoError(t, s.Write(ctx, r0))

	slot2 := DefaultSlotOffsets()[2]
	testutil.CorruptByte(t, dev.Path(), slot2+64)

	rr, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, rr.ValidSlots)
	assert.True(t, rr.NeedsRepair)
	assert.Equal(t, uint64(1), rr.Record.Header.Sequence)
	require.NotNil(t, rr.Slots[2].Result)
	assert.True(t, rr.Slots[2].Result.Has(DefectChecksumMismatch))

	rewritten, err := s.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rewritten)

	rr, err = s.Read(ctx)
	require.NoError(t, err)
	assert.True(t, rr.Slots[2].Valid)
	assert.Equal(t, uint64(1), rr.Slots[2].Record.Header.Sequence)
	assert.False(t, rr.NeedsRepair)
}

// writeSlot writes a record directly into one slot, bypassing the store, to
// set up disagreeing on-disk states.
func writeSlot(t *testing.T, dev device.Device, slot int, rec *metaformat.Record) {
	t.Helper()
	rec.Header.CopyIndex = uint8(slot)
	block, err := rec.Encode()
	require.NoError(t, err)
	_, err = dev.WriteAt(block, DefaultSlotOffsets()[slot])
	require.NoError(t, err)
}

func TestBestCopySelectionBySequence(t *testing.T) {
	dev := testutil.TempImage(t, testImageSize)
	ctx := context.Background()

	newer := testRecord()
	newer.Header.Sequence = 7
	newer.Health.HealthScore = 70
	writeSlot(t, dev, 0, newer)

	older := testRecord()
	older.Header.Sequence = 5
	older.Health.HealthScore = 50
	writeSlot(t, dev, 3, older)

	s := openStore(t, dev)
	rr, err := s.Read(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(7), rr.Record.Header.Sequence)
	assert.Equal(t, uint8(70), rr.Record.Health.HealthScore)
	assert.Equal(t, 0, rr.BestSlot)
	assert.True(t, rr.NeedsRepair, "slots disagree on sequence")

	// Same layout reversed: the higher sequence in the later slot.
	dev2 := testutil.TempImage(t, testImageSize)
	writeSlot(t, dev2, 0, older)
	writeSlot(t, dev2, 4, newer)

	s2 := openStore(t, dev2)
	rr, err = s2.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), rr.Record.Header.Sequence)
	assert.Equal(t, 4, rr.BestSlot)
}

func TestBestCopyTieBreakByTimestamp(t *testing.T) {
	dev := testutil.TempImage(t, testImageSize)

	base := time.Now().UnixNano()
	early := testRecord()
	early.Header.Sequence = 5
	early.Header.Timestamp = base
	early.Health.HealthScore = 11
	writeSlot(t, dev, 0, early)

	late := testRecord()
	late.Header.Sequence = 5
	late.Header.Timestamp = base + int64(time.Second)
	late.Health.HealthScore = 22
	writeSlot(t, dev, 2, late)

	s := openStore(t, dev)
	rr, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint8(22), rr.Record.Health.HealthScore)
	assert.Equal(t, 2, rr.BestSlot)
}

func TestRepairConvergesStaleSlots(t *testing.T) {
	dev := testutil.TempImage(t, testImageSize)
	ctx := context.Background()

	stale := testRecord()
	stale.Header.Sequence = 5
	for i := 0; i < metaformat.SlotCount; i++ {
		writeSlot(t, dev, i, stale)
	}
	current := testRecord()
	current.Header.Sequence = 7
	current.Health.HealthScore = 42
	writeSlot(t, dev, 1, current)

	s := openStore(t, dev)
	rewritten, err := s.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, rewritten, "four stale slots disagree with the best sequence")

	rr, err := s.Read(ctx)
	require.NoError(t, err)
	assert.False(t, rr.NeedsRepair)
	for i := range rr.Slots {
		require.True(t, rr.Slots[i].Valid)
		assert.Equal(t, uint64(7), rr.Slots[i].Record.Header.Sequence)
		assert.Equal(t, uint8(42), rr.Slots[i].Record.Health.HealthScore)
	}
}

func TestUnreadableSlotCountsAsInvalid(t *testing.T) {
	inner := testutil.TempImage(t, testImageSize)
	faulty := testutil.NewFaultDevice(inner)
	s := openStore(t, faulty)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, testRecord()))
	faulty.FailReads(DefaultSlotOffsets()[0])

	rr, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, rr.ValidSlots)
	assert.True(t, rr.NeedsRepair)
	assert.ErrorIs(t, rr.Slots[0].Err, testutil.ErrInjected)
}

func TestWriteAbortsOnFirstSlotError(t *testing.T) {
	inner := testutil.TempImage(t, testImageSize)
	faulty := testutil.NewFaultDevice(inner)
	s := openStore(t, faulty)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, testRecord()))

	offsets := DefaultSlotOffsets()
	faulty.FailWrites(offsets[2])

	err := s.Write(ctx, testRecord())
	require.Error(t, err)
	assert.ErrorIs(t, err, testutil.ErrInjected)

	// Slots 0 and 1 carry sequence 2, slots 2-4 still sequence 1. The read
	// picks the newest and flags repair; nothing was rolled back.
	rr, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rr.Record.Header.Sequence)
	assert.True(t, rr.NeedsRepair)

	faulty.ClearWriteFaults()

	rewritten, err := s.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rewritten)
}

func TestReadHonorsContextCancellation(t *testing.T) {
	dev := testutil.TempImage(t, testImageSize)
	s := openStore(t, dev)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatsSnapshot(t *testing.T) {
	dev := testutil.TempImage(t, testImageSize)
	s := openStore(t, dev)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, testRecord()))
	_, err := s.Read(ctx)
	require.NoError(t, err)
	_, err = s.Repair(ctx)
	require.NoError(t, err)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Writes)
	assert.Equal(t, uint64(1), stats.Repairs)
	assert.GreaterOrEqual(t, stats.Reads, uint64(2), "repair reads internally")
	assert.Equal(t, uint64(1), stats.LastSequence)
}
