package remap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparemap/sparemap/pkg/metaformat"
)

func TestAddAndLookup(t *testing.T) {
	tbl := NewTable(16)
	require.NoError(t, tbl.Add(100, 0))
	require.NoError(t, tbl.Add(50, 1))
	require.NoError(t, tbl.Add(200, 2))

	spare, ok := tbl.Lookup(50)
	require.True(t, ok)
	assert.Equal(t, uint64(1), spare)

	spare, ok = tbl.Lookup(100)
	require.True(t, ok)
	assert.Equal(t, uint64(0), spare)

	_, ok = tbl.Lookup(51)
	assert.False(t, ok)
	assert.Equal(t, 3, tbl.Len())
}

func TestAddKeepsOrder(t *testing.T) {
	tbl := NewTable(0)
	for _, sector := range []uint64{500, 100, 300, 200, 400} {
		require.NoError(t, tbl.Add(sector, sector/100))
	}
	snap := tbl.Snapshot()
	for i := 1; i < len(snap); i++ {
		assert.Less(t, snap[i-1].MainSector, snap[i].MainSector)
	}
}

func TestAddDuplicate(t *testing.T) {
	tbl := NewTable(16)
	require.NoError(t, tbl.Add(100, 0))
	assert.ErrorIs(t, tbl.Add(100, 5), ErrDuplicate)
}

func TestAddFull(t *testing.T) {
	tbl := NewTable(2)
	require.NoError(t, tbl.Add(1, 0))
	require.NoError(t, tbl.Add(2, 1))
	assert.ErrorIs(t, tbl.Add(3, 2), ErrTableFull)
}

func TestRecordErrorAndVerify(t *testing.T) {
	tbl := NewTable(16)
	require.NoError(t, tbl.Add(100, 0))

	require.NoError(t, tbl.RecordError(100))
	require.NoError(t, tbl.RecordError(100))
	require.NoError(t, tbl.MarkVerified(100))
	assert.ErrorIs(t, tbl.RecordError(7), ErrNotFound)
	assert.ErrorIs(t, tbl.MarkVerified(7), ErrNotFound)

	snap := tbl.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint16(2), snap[0].ErrorCount)
	assert.NotZero(t, snap[0].Flags&metaformat.EntryFlagErrored)
	assert.NotZero(t, snap[0].Flags&metaformat.EntryFlagVerified)
	assert.Equal(t, 1, tbl.Errored())
}

func TestSnapshotIsCopy(t *testing.T) {
	tbl := NewTable(16)
	require.NoError(t, tbl.Add(100, 0))

	snap := tbl.Snapshot()
	snap[0].MainSector = 999

	_, ok := tbl.Lookup(100)
	assert.True(t, ok, "mutating a snapshot must not touch the table")
}

func TestRestoreSortsEntries(t *testing.T) {
	tbl := NewTable(16)
	tbl.Restore([]metaformat.RemapEntry{
		{MainSector: 300, SpareSector: 3},
		{MainSector: 100, SpareSector: 1},
		{MainSector: 200, SpareSector: 2},
	})

	assert.Equal(t, 3, tbl.Len())
	spare, ok := tbl.Lookup(100)
	require.True(t, ok)
	assert.Equal(t, uint64(1), spare)

	snap := tbl.Snapshot()
	assert.Equal(t, uint64(100), snap[0].MainSector)
	assert.Equal(t, uint64(300), snap[2].MainSector)
}

func TestConcurrentAccess(t *testing.T) {
	tbl := NewTable(0)
	for i := uint64(0); i < 64; i++ {
		require.NoError(t, tbl.Add(i*8, i))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := uint64(0); i < 64; i++ {
				tbl.Lookup(i * 8)
				_ = tbl.RecordError(i * 8)
			}
		}()
	}
	wg.Wait()

	snap := tbl.Snapshot()
	require.Len(t, snap, 64)
	for _, e := range snap {
		assert.Equal(t, uint16(8), e.ErrorCount)
	}
}
