package discovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparemap/sparemap/internal/device"
	"github.com/sparemap/sparemap/internal/fingerprint"
	"github.com/sparemap/sparemap/internal/metadata"
	"github.com/sparemap/sparemap/pkg/metaformat"
	"github.com/sparemap/sparemap/testutil"
)

var (
	targetUUID = uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	spareAUUID = uuid.MustParse("11111111-2222-3333-4444-555555555555")
	spareBUUID = uuid.MustParse("66666666-7777-8888-9999-aaaaaaaaaaaa")
)

func makeImage(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spare.img")
	d, err := device.Create(path, size)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	return path
}

func writeRecord(t *testing.T, path string, rec *metaformat.Record, times int) {
	t.Helper()
	dev, err := device.Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, dev.Close()) }()

	s, err := metadata.Open(dev, metadata.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	for i := 0; i < times; i++ {
		require.NoError(t, s.Write(context.Background(), rec))
	}
}

func testScanner() *Scanner {
	return NewScanner(
		metadata.Options{Logger: zerolog.Nop()},
		fingerprint.NewMatcher(fingerprint.DefaultThresholds()),
		zerolog.Nop(),
	)
}

func TestScanGroupsSetupAndProposesReattachment(t *testing.T) {
	pathA := makeImage(t, 8<<20)
	pathB := makeImage(t, 6<<20)

	cfg := metaformat.DeviceConfig{
		SectorSize: 512,
		Targets: []metaformat.TargetDevice{
			{UUID: targetUUID, Path: "/dev/sda", SectorCount: 4096},
		},
		Spares: []metaformat.SpareDevice{
			{UUID: spareAUUID, Path: pathA, SectorCount: (8 << 20) / 512},
			// Recorded at a path that no longer exists; the device now sits
			// at pathB.
			{UUID: spareBUUID, Path: "/dev/gone", SectorCount: (6 << 20) / 512},
		},
	}
	writeRecord(t, pathA, metaformat.NewRecord(cfg, 100), 1)
	writeRecord(t, pathB, metaformat.NewRecord(cfg, 100), 2)

	setups, candidates, err := testScanner().Scan(context.Background(), []string{pathA, pathB})
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.Len(t, setups, 1)

	setup := setups[0]
	assert.Equal(t, targetUUID, setup.ID)
	assert.Len(t, setup.Members, 2)
	assert.False(t, setup.NeedRepair)
	require.NotNil(t, setup.Record)
	assert.Equal(t, uint64(2), setup.Record.Header.Sequence, "the newest member record wins")

	// The moved spare is proposed for reattachment, at medium confidence
	// since the path evidence is gone.
	require.Len(t, setup.Reattach, 1)
	r := setup.Reattach[0]
	assert.Equal(t, spareBUUID, r.Spare.UUID)
	assert.Equal(t, pathB, r.Match.Candidate.Path)
	assert.Equal(t, 75, r.Match.Confidence)
	assert.Equal(t, fingerprint.BandMedium, r.Match.Band)
}

func TestScanBlankDeviceIsCandidateOnly(t *testing.T) {
	path := makeImage(t, 8<<20)

	setups, candidates, err := testScanner().Scan(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Empty(t, setups)
	require.Len(t, candidates, 1)
	assert.NoError(t, candidates[0].Err)
	assert.Nil(t, candidates[0].Read)
	assert.Equal(t, int64(8<<20), candidates[0].Fingerprint.ByteSize)
}

func TestScanUnopenablePath(t *testing.T) {
	setups, candidates, err := testScanner().Scan(context.Background(), []string{"/nonexistent/device"})
	require.NoError(t, err)
	assert.Empty(t, setups)
	require.Len(t, candidates, 1)
	assert.Error(t, candidates[0].Err)
}

func TestScanFlagsMemberNeedingRepair(t *testing.T) {
	path := makeImage(t, 8<<20)
	cfg := metaformat.DeviceConfig{
		SectorSize: 512,
		Targets: []metaformat.TargetDevice{
			{UUID: targetUUID, Path: "/dev/sda", SectorCount: 4096},
		},
		Spares: []metaformat.SpareDevice{
			{UUID: spareAUUID, Path: path, SectorCount: (8 << 20) / 512},
		},
	}
	writeRecord(t, path, metaformat.NewRecord(cfg, 100), 1)
	testutil.CorruptByte(t, path, 4096+100) // first copy slot

	setups, _, err := testScanner().Scan(context.Background(), []string{path})
	require.NoError(t, err)
	require.Len(t, setups, 1)
	assert.True(t, setups[0].NeedRepair)
}

func TestScanCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := testScanner().Scan(ctx, []string{"/dev/whatever"})
	assert.ErrorIs(t, err, context.Canceled)
}
