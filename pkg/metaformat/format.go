// Package metaformat defines the on-disk binary format for sparemap metadata
// records: the header, device configuration, remap table and health block that
// are persisted redundantly across the copy slots of a spare device.
package metaformat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

// Format constants.
const (
	// Magic identifies a sparemap metadata block ("SPM1" little-endian).
	Magic uint32 = 0x314D5053

	// FormatVersion is the current on-disk format version.
	FormatVersion uint32 = 4

	// BlockSize is the fixed size of one serialized record block. A record
	// always occupies exactly one block; unused space is zero padding.
	BlockSize = 4096

	// SlotCount is the number of redundant copy slots per spare device.
	SlotCount = 5

	// ReservedSize is the size of the expansion region at the end of the
	// encoded payload.
	ReservedSize = 64

	// headerSize is the fixed encoded size of Header.
	headerSize = 36
)

// Codec errors.
var (
	ErrShortBlock     = errors.New("metaformat: block smaller than header")
	ErrRecordTooLarge = errors.New("metaformat: encoded record exceeds block size")
	ErrCorruptPayload = errors.New("metaformat: payload truncated or inconsistent")
	ErrTooManyEntries = errors.New("metaformat: remap entry count exceeds maximum")
)

// Remap entry flags.
const (
	// EntryFlagErrored marks an entry whose spare sector has itself seen
	// I/O errors since the remap was installed.
	EntryFlagErrored uint16 = 1 << 0

	// EntryFlagVerified marks an entry whose spare sector passed a
	// read-back verification scan.
	EntryFlagVerified uint16 = 1 << 1
)

// Header is the fixed-size prefix of every metadata block.
type Header struct {
	Magic         uint32
	FormatVersion uint32
	Sequence      uint64
	Timestamp     int64 // unix nanoseconds
	Checksum      uint32
	CopyIndex     uint8
	Size          uint32 // encoded payload size including the header
}

// TargetDevice describes one protected device (or region of one).
type TargetDevice struct {
	UUID        uuid.UUID
	Path        string
	StartSector uint64
	SectorCount uint64
}

// SpareDevice describes one device contributing spare capacity.
type SpareDevice struct {
	UUID        uuid.UUID
	Path        string
	SectorCount uint64
}

// DeviceConfig holds the device topology for one setup.
type DeviceConfig struct {
	SectorSize uint32
	Targets    []TargetDevice
	Spares     []SpareDevice
}

// RemapEntry maps one failing main sector to a healthy spare sector.
type RemapEntry struct {
	MainSector  uint64
	SpareSector uint64
	ErrorCount  uint16
	Flags       uint16
}

// RemapData is the persisted remap table.
type RemapData struct {
	MaxCount uint32
	Entries  []RemapEntry
}

// ActiveCount returns the number of installed remap entries.
func (r *RemapData) ActiveCount() uint32 {
	return uint32(len(r.Entries))
}

// HealthData carries the monitor's view of device health.
type HealthData struct {
	HealthScore     uint8 // 0-100
	ScanIntervalSec uint32
}

// Record is the full persisted state for one remap setup.
type Record struct {
	Header Header
	Config DeviceConfig
	Remap  RemapData
	Health HealthData
}

// entrySize is the encoded size of one RemapEntry.
const entrySize = 8 + 8 + 2 + 2

// NewRecord returns a record initialized for a fresh setup: sequence 1,
// current format version, no remap entries.
func NewRecord(cfg DeviceConfig, maxEntries uint32) *Record {
	return &Record{
		Header: Header{
			Magic:         Magic,
			FormatVersion: FormatVersion,
			Sequence:      1,
		},
		Config: cfg,
		Remap:  RemapData{MaxCount: maxEntries},
		Health: HealthData{HealthScore: 100},
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Config.Targets = append([]TargetDevice(nil), r.Config.Targets...)
	c.Config.Spares = append([]SpareDevice(nil), r.Config.Spares...)
	c.Remap.Entries = append([]RemapEntry(nil), r.Remap.Entries...)
	return &c
}

// Checksum computes the CRC32 of a block with the checksum field zeroed, so
// the checksum covers every byte of the block except itself.
func Checksum(block []byte) uint32 {
	if len(block) < headerSize {
		return crc32.ChecksumIEEE(block)
	}
	h := crc32.NewIEEE()
	_, _ = h.Write(block[:24])
	_, _ = h.Write([]byte{0, 0, 0, 0}) // checksum field
	_, _ = h.Write(block[28:])
	return h.Sum32()
}

// Encode serializes the record into a fresh BlockSize buffer, stamping
// Header.Size and Header.Checksum on both the buffer and the record. The
// caller is responsible for Sequence, Timestamp and CopyIndex.
func (r *Record) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(BlockSize)

	// Header placeholder; rewritten below once the payload size is known.
	hdr := make([]byte, headerSize)
	buf.Write(hdr)

	le := binary.LittleEndian
	w := func(v any) { _ = binary.Write(&buf, le, v) }

	// Device config.
	w(r.Config.SectorSize)
	w(uint16(len(r.Config.Targets)))
	w(uint16(len(r.Config.Spares)))
	for _, t := range r.Config.Targets {
		buf.Write(t.UUID[:])
		if err := writeString(&buf, t.Path); err != nil {
			return nil, err
		}
		w(t.StartSector)
		w(t.SectorCount)
	}
	for _, s := range r.Config.Spares {
		buf.Write(s.UUID[:])
		if err := writeString(&buf, s.Path); err != nil {
			return nil, err
		}
		w(s.SectorCount)
	}

	// Remap table.
	w(r.Remap.ActiveCount())
	w(r.Remap.MaxCount)
	for _, e := range r.Remap.Entries {
		w(e.MainSector)
		w(e.SpareSector)
		w(e.ErrorCount)
		w(e.Flags)
	}

	// Health block and reserved region.
	w(r.Health.HealthScore)
	w(r.Health.ScanIntervalSec)
	buf.Write(make([]byte, ReservedSize))

	if buf.Len() > BlockSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, buf.Len())
	}

	r.Header.Magic = Magic
	r.Header.Size = uint32(buf.Len())

	block := make([]byte, BlockSize)
	copy(block, buf.Bytes())
	le.PutUint32(block[0:4], r.Header.Magic)
	le.PutUint32(block[4:8], r.Header.FormatVersion)
	le.PutUint64(block[8:16], r.Header.Sequence)
	le.PutUint64(block[16:24], uint64(r.Header.Timestamp))
	block[28] = r.Header.CopyIndex
	le.PutUint32(block[32:36], r.Header.Size)

	r.Header.Checksum = Checksum(block)
	le.PutUint32(block[24:28], r.Header.Checksum)
	return block, nil
}

// DecodeHeader parses only the fixed header from a block. It never fails on
// bad field values, only on a block too short to contain a header, so callers
// can still produce diagnostics for garbage blocks.
func DecodeHeader(block []byte) (Header, error) {
	if len(block) < headerSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortBlock, len(block))
	}
	le := binary.LittleEndian
	return Header{
		Magic:         le.Uint32(block[0:4]),
		FormatVersion: le.Uint32(block[4:8]),
		Sequence:      le.Uint64(block[8:16]),
		Timestamp:     int64(le.Uint64(block[16:24])),
		Checksum:      le.Uint32(block[24:28]),
		CopyIndex:     block[28],
		Size:          le.Uint32(block[32:36]),
	}, nil
}

// Decode parses a full record from a block. Field-level validity (magic,
// version, checksum, ranges) is the validation engine's job; Decode fails
// only when the payload cannot be parsed at all.
func Decode(block []byte) (*Record, error) {
	hdr, err := DecodeHeader(block)
	if err != nil {
		return nil, err
	}
	rd := reader{buf: block, off: headerSize}

	rec := &Record{Header: hdr}
	rec.Config.SectorSize = rd.u32()
	targets := rd.u16()
	spares := rd.u16()
	if targets > 1024 || spares > 1024 {
		return nil, fmt.Errorf("%w: implausible device counts %d/%d", ErrCorruptPayload, targets, spares)
	}
	for i := 0; i < int(targets); i++ {
		var t TargetDevice
		copy(t.UUID[:], rd.bytes(16))
		t.Path = rd.str()
		t.StartSector = rd.u64()
		t.SectorCount = rd.u64()
		rec.Config.Targets = append(rec.Config.Targets, t)
	}
	for i := 0; i < int(spares); i++ {
		var s SpareDevice
		copy(s.UUID[:], rd.bytes(16))
		s.Path = rd.str()
		s.SectorCount = rd.u64()
		rec.Config.Spares = append(rec.Config.Spares, s)
	}

	active := rd.u32()
	rec.Remap.MaxCount = rd.u32()
	if active > BlockSize/entrySize {
		return nil, fmt.Errorf("%w: %d entries", ErrTooManyEntries, active)
	}
	for i := 0; i < int(active); i++ {
		rec.Remap.Entries = append(rec.Remap.Entries, RemapEntry{
			MainSector:  rd.u64(),
			SpareSector: rd.u64(),
			ErrorCount:  rd.u16(),
			Flags:       rd.u16(),
		})
	}

	rec.Health.HealthScore = rd.u8()
	rec.Health.ScanIntervalSec = rd.u32()
	rd.skip(ReservedSize)

	if rd.failed {
		return nil, fmt.Errorf("%w: %d byte block", ErrCorruptPayload, len(block))
	}
	return rec, nil
}

// MaxEntriesFor returns how many remap entries fit in a block alongside the
// given device config.
func MaxEntriesFor(cfg DeviceConfig) uint32 {
	fixed := headerSize + 4 + 2 + 2 // header + sector size + counts
	for _, t := range cfg.Targets {
		fixed += 16 + 2 + len(t.Path) + 8 + 8
	}
	for _, s := range cfg.Spares {
		fixed += 16 + 2 + len(s.Path) + 8
	}
	fixed += 4 + 4 // active/max counts
	fixed += 1 + 4 // health block
	fixed += ReservedSize
	if fixed >= BlockSize {
		return 0
	}
	return uint32((BlockSize - fixed) / entrySize)
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("%w: path %d bytes", ErrRecordTooLarge, len(s))
	}
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

// reader is a bounds-checked little-endian cursor. A read past the end sets
// failed and returns zero values instead of panicking.
type reader struct {
	buf    []byte
	off    int
	failed bool
}

func (r *reader) bytes(n int) []byte {
	if r.off+n > len(r.buf) {
		r.failed = true
		return make([]byte, n)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) skip(n int)  { r.bytes(n) }
func (r *reader) u8() uint8   { return r.bytes(1)[0] }
func (r *reader) u16() uint16 { return binary.LittleEndian.Uint16(r.bytes(2)) }
func (r *reader) u32() uint32 { return binary.LittleEndian.Uint32(r.bytes(4)) }
func (r *reader) u64() uint64 { return binary.LittleEndian.Uint64(r.bytes(8)) }

func (r *reader) str() string {
	n := int(r.u16())
	if n > len(r.buf) {
		r.failed = true
		return ""
	}
	return string(r.bytes(n))
}
