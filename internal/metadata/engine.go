package metadata

import (
	"time"

	"github.com/google/uuid"

	"github.com/sparemap/sparemap/internal/fingerprint"
	"github.com/sparemap/sparemap/pkg/metaformat"
)

// Validation limits and their defaults.
const (
	DefaultMaxTargets = 8
	DefaultMaxSpares  = 4

	// MinSpareBytes is the minimum usable spare capacity. Anything smaller
	// cannot hold the metadata slots plus a useful number of spare sectors.
	MinSpareBytes = 8 << 20 // 8 MiB

	// TimestampTolerance bounds how far in the future a record timestamp may
	// lie before it is treated as a defect (clock skew allowance).
	TimestampTolerance = time.Hour
)

// EngineConfig holds the tunable validation limits.
type EngineConfig struct {
	MaxTargets    int
	MaxSpares     int
	MinSpareBytes int64

	// Clock is overridable for tests; defaults to time.Now.
	Clock func() time.Time
}

// Engine performs structural and semantic validation of metadata records and
// classifies which defects a repair can fix.
type Engine struct {
	cfg EngineConfig
}

// NewEngine creates a validation engine. Zero config fields get defaults.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.MaxTargets <= 0 {
		cfg.MaxTargets = DefaultMaxTargets
	}
	if cfg.MaxSpares <= 0 {
		cfg.MaxSpares = DefaultMaxSpares
	}
	if cfg.MinSpareBytes <= 0 {
		cfg.MinSpareBytes = MinSpareBytes
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{cfg: cfg}
}

const (
	suggestRepair  = "run `sparemap repair` to rewrite defective copy slots from the best valid copy"
	suggestBackup  = "restore the record from a backup snapshot (`sparemap restore`) if no copy slot validates"
	suggestAuto    = "auto-repair can fix this field in place"
	suggestScan    = "run `sparemap scan` to locate devices whose path changed"
	suggestRebuild = "re-initialize the metadata area; the block does not hold a sparemap record"
	suggestResize  = "add spare capacity or shrink the protected targets; repair cannot fix a capacity shortfall"
)

// ValidateStructure checks a raw slot block for the defects that decide
// quorum membership: magic, format version, declared size, and checksum. All
// checks run; every failing check sets its own bit.
func (e *Engine) ValidateStructure(block []byte) *Result {
	res := &Result{}

	hdr, err := metaformat.DecodeHeader(block)
	if err != nil {
		res.add(DefectBadSize, "E-SIZE", "block too small to hold a header: %d bytes", len(block))
		res.suggest(suggestRebuild)
		return res
	}

	if hdr.Magic != metaformat.Magic {
		res.add(DefectBadMagic, "E-MAGIC", "bad magic 0x%08x, want 0x%08x", hdr.Magic, metaformat.Magic)
		res.suggest(suggestRebuild)
	}
	if hdr.FormatVersion != metaformat.FormatVersion {
		res.add(DefectBadVersion, "E-VERSION", "unsupported format version %d, want %d", hdr.FormatVersion, metaformat.FormatVersion)
		res.suggest(suggestRebuild)
	}
	if hdr.Size < 36 || hdr.Size > metaformat.BlockSize {
		res.add(DefectBadSize, "E-SIZE", "declared size %d outside [36, %d]", hdr.Size, metaformat.BlockSize)
		res.suggest(suggestRebuild)
	}
	if got := metaformat.Checksum(block); got != hdr.Checksum {
		res.add(DefectChecksumMismatch, "E-CRC", "checksum mismatch: stored 0x%08x, computed 0x%08x", hdr.Checksum, got)
		res.suggest(suggestRepair)
		res.suggest(suggestBackup)
	}
	return res
}

// ValidateHeader checks semantic header fields, gated by validation level.
// The timestamp bound and device count maxima apply at every level; a zero
// sequence number is only a defect under Strict and above.
func (e *Engine) ValidateHeader(rec *metaformat.Record, level Level) *Result {
	res := &Result{}

	if level.Includes(LevelStrict) && rec.Header.Sequence == 0 {
		res.add(DefectZeroSequence, "E-SEQ", "sequence number is zero")
		res.suggest(suggestAuto)
	}
	if limit := e.cfg.Clock().Add(TimestampTolerance); rec.Header.Timestamp > limit.UnixNano() {
		res.add(DefectFutureTimestamp, "E-TIME", "timestamp %s is beyond now+%s",
			time.Unix(0, rec.Header.Timestamp).UTC().Format(time.RFC3339), TimestampTolerance)
		res.suggest(suggestAuto)
	}
	if n := len(rec.Config.Targets); n > e.cfg.MaxTargets {
		res.add(DefectCountOverflow, "E-TCOUNT", "%d targets exceeds maximum %d", n, e.cfg.MaxTargets)
	}
	if n := len(rec.Config.Spares); n > e.cfg.MaxSpares {
		res.add(DefectCountOverflow, "E-SCOUNT", "%d spares exceeds maximum %d", n, e.cfg.MaxSpares)
	}
	if rec.Remap.ActiveCount() > rec.Remap.MaxCount {
		res.add(DefectCountOverflow, "E-RCOUNT", "active remap count %d exceeds maximum %d",
			rec.Remap.ActiveCount(), rec.Remap.MaxCount)
	}
	if rec.Health.HealthScore > 100 {
		res.add(DefectHealthRange, "E-HEALTH", "health score %d outside 0-100", rec.Health.HealthScore)
	}
	return res
}

// ValidateTargets runs per-target checks plus the pairwise overlap check.
// The pairwise pass is O(n^2); n is bounded by MaxTargets.
func (e *Engine) ValidateTargets(targets []metaformat.TargetDevice) *Result {
	res := &Result{}

	for i, t := range targets {
		if t.SectorCount == 0 {
			res.add(DefectEmptyDevice, "E-TEMPTY", "target %d has zero length", i)
		}
		if t.Path == "" && t.UUID == uuid.Nil {
			res.add(DefectNoFingerprint, "E-TIDENT", "target %d has neither path nor UUID", i)
		}
	}
	for i := 0; i < len(targets); i++ {
		for j := i + 1; j < len(targets); j++ {
			a, b := targets[i], targets[j]
			if a.UUID != b.UUID {
				continue
			}
			if a.StartSector < b.StartSector+b.SectorCount && b.StartSector < a.StartSector+a.SectorCount {
				res.add(DefectTargetOverlap, "E-OVERLAP",
					"targets %d and %d overlap on device %s (sectors %d+%d vs %d+%d)",
					i, j, a.UUID, a.StartSector, a.SectorCount, b.StartSector, b.SectorCount)
			}
		}
	}
	return res
}

// ValidateSpares runs per-spare checks: non-zero length, an identity field,
// and the minimum spare capacity.
func (e *Engine) ValidateSpares(sectorSize uint32, spares []metaformat.SpareDevice) *Result {
	res := &Result{}

	for i, s := range spares {
		if s.SectorCount == 0 {
			res.add(DefectEmptyDevice, "E-SEMPTY", "spare %d has zero length", i)
			continue
		}
		if s.Path == "" && s.UUID == uuid.Nil {
			res.add(DefectNoFingerprint, "E-SIDENT", "spare %d has neither path nor UUID", i)
		}
		if capBytes := int64(s.SectorCount) * int64(sectorSize); capBytes < e.cfg.MinSpareBytes {
			res.add(DefectSpareTooSmall, "E-SCAP", "spare %d holds %d bytes, minimum is %d",
				i, capBytes, e.cfg.MinSpareBytes)
		}
	}
	return res
}

// CheckConsistency verifies the setup-wide invariant that total target
// capacity does not exceed total spare capacity. A violation is not
// repairable by a repair pass.
func (e *Engine) CheckConsistency(rec *metaformat.Record) *Result {
	res := &Result{}

	var targetSectors, spareSectors uint64
	for _, t := range rec.Config.Targets {
		targetSectors += t.SectorCount
	}
	for _, s := range rec.Config.Spares {
		spareSectors += s.SectorCount
	}
	if targetSectors > spareSectors {
		res.add(DefectCapacityMismatch, "E-CAP",
			"target capacity %d sectors exceeds spare capacity %d sectors", targetSectors, spareSectors)
		res.suggest(suggestResize)
	}
	return res
}

// CheckSpareIdentity compares a recorded spare device against the fingerprint
// of the device actually found. A confident match on a different path is the
// repairable path-changed defect; anything weaker is a device mismatch.
func (e *Engine) CheckSpareIdentity(recorded metaformat.SpareDevice, sectorSize uint32, observed fingerprint.Fingerprint, matcher *fingerprint.Matcher) *Result {
	res := &Result{}

	expected := fingerprint.Fingerprint{
		Path:     recorded.Path,
		ByteSize: int64(recorded.SectorCount) * int64(sectorSize),
		UUID:     recorded.UUID,
	}
	// A moved device cannot score path points, so the reattachment bar is
	// the Medium band (UUID plus corroborating evidence), not High.
	match := matcher.Match(expected, observed)
	switch {
	case match.Band >= fingerprint.BandMedium && observed.Path != recorded.Path:
		res.add(DefectPathChanged, "E-PATH", "spare %s moved from %s to %s (confidence %d)",
			recorded.UUID, recorded.Path, observed.Path, match.Confidence)
		res.suggest(suggestRepair)
	case match.Band < fingerprint.BandMedium:
		res.add(DefectNoFingerprint, "E-MATCH", "device at %s matches recorded spare %s with confidence %d (%s)",
			observed.Path, recorded.UUID, match.Confidence, match.Band)
		res.suggest(suggestScan)
	}
	return res
}

// ValidateRecord runs every check that applies to a decoded record at the
// given level: header semantics, target and spare lists, and under Paranoid
// the capacity consistency check.
func (e *Engine) ValidateRecord(rec *metaformat.Record, level Level) *Result {
	res := e.ValidateHeader(rec, level)
	res.merge(e.ValidateTargets(rec.Config.Targets))
	res.merge(e.ValidateSpares(rec.Config.SectorSize, rec.Config.Spares))
	if level.Includes(LevelParanoid) {
		res.merge(e.CheckConsistency(rec))
	}
	return res
}

// IsRepairable classifies a result: true when every reported defect belongs
// to a repairable class (checksum, sequence, timestamp, path-changed).
func (e *Engine) IsRepairable(res *Result) bool {
	return res.Defects != 0 && res.Defects&^repairableDefects == 0
}

// AutoRepair fixes the auto-repairable fields of a record in place: a zero
// sequence number becomes 1, a too-far-future timestamp becomes now, and the
// checksum is recomputed. It refuses structurally invalid records and
// returns the number of fields fixed.
func (e *Engine) AutoRepair(rec *metaformat.Record, res *Result) (int, error) {
	if res.Has(DefectBadMagic | DefectBadVersion | DefectBadSize) {
		return 0, ErrNotRepairable
	}

	fixed := 0
	if rec.Header.Sequence == 0 {
		rec.Header.Sequence = 1
		fixed++
	}
	if limit := e.cfg.Clock().Add(TimestampTolerance); rec.Header.Timestamp > limit.UnixNano() {
		rec.Header.Timestamp = e.cfg.Clock().UnixNano()
		fixed++
	}
	if fixed > 0 || res.Has(DefectChecksumMismatch) {
		// Re-encoding stamps a fresh checksum onto the record header.
		if _, err := rec.Encode(); err != nil {
			return fixed, err
		}
	}
	return fixed, nil
}
