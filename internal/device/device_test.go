package device

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOpenReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spare.img")

	d, err := Create(path, 1<<20)
	require.NoError(t, err)

	size, err := d.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), size)

	payload := []byte("sector payload")
	n, err := d.WriteAt(payload, 4096)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, d.Sync())
	require.NoError(t, d.Close())

	d2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = d2.Close() }()

	got := make([]byte, len(payload))
	_, err = d2.ReadAt(got, 4096)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.Equal(t, path, d2.Path())
	assert.Empty(t, d2.Serial(), "file images have no hardware serial")
}

func TestCreateRefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spare.img")
	d, err := Create(path, 4096)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = Create(path, 4096)
	assert.Error(t, err)
}

func TestClosedDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spare.img")
	d, err := Create(path, 4096)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = d.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = d.WriteAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = d.Size()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, d.Sync(), ErrClosed)
	assert.NoError(t, d.Close(), "double close is a no-op")
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
	_, err = OpenReadOnly(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
