package metadata

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/sparemap/sparemap/pkg/metaformat"
)

// snapshotMagic prefixes every snapshot file.
var snapshotMagic = []byte("SPMSNAP1")

// Snapshot errors.
var (
	ErrNotSnapshot      = errors.New("not a sparemap snapshot file")
	ErrSnapshotCorrupt  = errors.New("snapshot payload corrupt")
	ErrSnapshotChecksum = errors.New("snapshot record failed checksum")
)

// ExportSnapshot writes a zstd-compressed snapshot of the record to a file.
// Snapshots are the recovery path of last resort when no copy slot validates.
// The file is written atomically via a temp file and rename.
func ExportSnapshot(path string, rec *metaformat.Record) error {
	block, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode snapshot record: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(block, nil)
	_ = enc.Close()

	payload := append(append([]byte(nil), snapshotMagic...), compressed...)

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(payload); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// ImportSnapshot reads a snapshot file back into a record, verifying the
// embedded checksum before returning it.
func ImportSnapshot(path string) (*metaformat.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if !bytes.HasPrefix(data, snapshotMagic) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotSnapshot)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	block, err := dec.DecodeAll(data[len(snapshotMagic):], nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrSnapshotCorrupt, err)
	}
	if len(block) != metaformat.BlockSize {
		return nil, fmt.Errorf("%s: %w: %d byte payload", path, ErrSnapshotCorrupt, len(block))
	}

	hdr, err := metaformat.DecodeHeader(block)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrSnapshotCorrupt)
	}
	if metaformat.Checksum(block) != hdr.Checksum {
		return nil, fmt.Errorf("%s: %w", path, ErrSnapshotChecksum)
	}

	rec, err := metaformat.Decode(block)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrSnapshotCorrupt)
	}
	return rec, nil
}
