package metadata

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.snap")
	rec := testRecord()
	rec.Header.Sequence = 9

	require.NoError(t, ExportSnapshot(path, rec))

	got, err := ImportSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.Header.Sequence)
	assert.Equal(t, rec.Config, got.Config)
	assert.Equal(t, rec.Remap, got.Remap)
	assert.Equal(t, rec.Health, got.Health)
}

func TestImportSnapshotRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-snapshot")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0600))

	_, err := ImportSnapshot(path)
	assert.ErrorIs(t, err, ErrNotSnapshot)
}

func TestImportSnapshotRejectsCorruptStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.snap")
	require.NoError(t, ExportSnapshot(path, testRecord()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, err = ImportSnapshot(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSnapshotCorrupt) || errors.Is(err, ErrSnapshotChecksum),
		"tampered snapshot must fail either frame or record verification: %v", err)
}

func TestImportSnapshotVerifiesChecksum(t *testing.T) {
	// Build a snapshot whose decompressed block is tampered: the zstd frame
	// is intact but the record checksum no longer matches.
	rec := testRecord()
	block, err := rec.Encode()
	require.NoError(t, err)
	block[600] ^= 0x01

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	payload := append([]byte("SPMSNAP1"), enc.EncodeAll(block, nil)...)
	require.NoError(t, enc.Close())

	path := filepath.Join(t.TempDir(), "meta.snap")
	require.NoError(t, os.WriteFile(path, payload, 0600))

	_, err = ImportSnapshot(path)
	assert.ErrorIs(t, err, ErrSnapshotChecksum)
}

func TestImportSnapshotMissingFile(t *testing.T) {
	_, err := ImportSnapshot(filepath.Join(t.TempDir(), "absent.snap"))
	assert.Error(t, err)
}
