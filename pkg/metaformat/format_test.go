package metaformat

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleConfig() DeviceConfig {
	return DeviceConfig{
		SectorSize: 512,
		Targets: []TargetDevice{
			{UUID: uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), Path: "/dev/sda", StartSector: 0, SectorCount: 1 << 20},
		},
		Spares: []SpareDevice{
			{UUID: uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8"), Path: "/dev/sdb", SectorCount: 1 << 21},
		},
	}
}

func sampleRecord() *Record {
	rec := NewRecord(sampleConfig(), 128)
	rec.Header.Sequence = 7
	rec.Header.Timestamp = time.Now().UnixNano()
	rec.Remap.Entries = []RemapEntry{
		{MainSector: 100, SpareSector: 8, ErrorCount: 3, Flags: EntryFlagVerified},
		{MainSector: 2048, SpareSector: 16, ErrorCount: 1},
	}
	rec.Health.HealthScore = 97
	rec.Health.ScanIntervalSec = 300
	return rec
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := sampleRecord()
	rec.Header.CopyIndex = 3

	block, err := rec.Encode()
	require.NoError(t, err)
	require.Len(t, block, BlockSize)

	got, err := Decode(block)
	require.NoError(t, err)

	assert.Equal(t, Magic, got.Header.Magic)
	assert.Equal(t, FormatVersion, got.Header.FormatVersion)
	assert.Equal(t, uint64(7), got.Header.Sequence)
	assert.Equal(t, rec.Header.Timestamp, got.Header.Timestamp)
	assert.Equal(t, uint8(3), got.Header.CopyIndex)
	assert.Equal(t, rec.Config, got.Config)
	assert.Equal(t, rec.Remap, got.Remap)
	assert.Equal(t, rec.Health, got.Health)
}

func TestEncodeStampsChecksum(t *testing.T) {
	rec := sampleRecord()
	block, err := rec.Encode()
	require.NoError(t, err)

	assert.Equal(t, rec.Header.Checksum, Checksum(block),
		"stored checksum must match recomputation over the block")
	assert.NotZero(t, rec.Header.Size)
	assert.LessOrEqual(t, rec.Header.Size, uint32(BlockSize))
}

func TestChecksumExcludesItself(t *testing.T) {
	rec := sampleRecord()
	block, err := rec.Encode()
	require.NoError(t, err)

	// Overwriting the checksum field must not change the computed checksum.
	before := Checksum(block)
	copy(block[24:28], []byte{0xde, 0xad, 0xbe, 0xef})
	assert.Equal(t, before, Checksum(block))
}

func TestSingleByteCorruptionDetected(t *testing.T) {
	rec := sampleRecord()
	block, err := rec.Encode()
	require.NoError(t, err)
	want := rec.Header.Checksum

	// Flip one byte in each region of the payload.
	for _, off := range []int{0, 9, 40, 200, BlockSize - 1} {
		mutated := append([]byte(nil), block...)
		mutated[off] ^= 0x01
		assert.NotEqual(t, want, Checksum(mutated), "corruption at offset %d went undetected", off)
	}
}

func TestDecodeShortBlock(t *testing.T) {
	_, err := Decode(make([]byte, 10))
	assert.ErrorIs(t, err, ErrShortBlock)

	_, err = DecodeHeader(nil)
	assert.ErrorIs(t, err, ErrShortBlock)
}

func TestDecodeTruncatedPayload(t *testing.T) {
	rec := sampleRecord()
	block, err := rec.Encode()
	require.NoError(t, err)

	_, err = Decode(block[:headerSize+4])
	assert.ErrorIs(t, err, ErrCorruptPayload)
}

func TestDecodeGarbageHeaderStillParses(t *testing.T) {
	// A zeroed block decodes to a zero-valued record; judging the fields is
	// the validation engine's job, not the codec's.
	rec, err := Decode(make([]byte, BlockSize))
	require.NoError(t, err)
	assert.Zero(t, rec.Header.Magic)
	assert.Empty(t, rec.Remap.Entries)
}

func TestEncodeRejectsOversizedRecord(t *testing.T) {
	rec := sampleRecord()
	for i := 0; i < 300; i++ {
		rec.Remap.Entries = append(rec.Remap.Entries, RemapEntry{MainSector: uint64(i)})
	}
	_, err := rec.Encode()
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestMaxEntriesFor(t *testing.T) {
	cfg := sampleConfig()
	max := MaxEntriesFor(cfg)
	require.Greater(t, max, uint32(0))

	rec := NewRecord(cfg, max)
	for i := uint32(0); i < max; i++ {
		rec.Remap.Entries = append(rec.Remap.Entries, RemapEntry{MainSector: uint64(i), SpareSector: uint64(i)})
	}
	_, err := rec.Encode()
	assert.NoError(t, err, "a full table at MaxEntriesFor must still fit one block")

	rec.Remap.Entries = append(rec.Remap.Entries, RemapEntry{})
	_, err = rec.Encode()
	assert.Error(t, err, "one entry past MaxEntriesFor must overflow")
}

func TestCloneIsDeep(t *testing.T) {
	rec := sampleRecord()
	c := rec.Clone()
	c.Remap.Entries[0].MainSector = 9999
	c.Config.Targets[0].Path = "/dev/changed"

	assert.Equal(t, uint64(100), rec.Remap.Entries[0].MainSector)
	assert.Equal(t, "/dev/sda", rec.Config.Targets[0].Path)
}
