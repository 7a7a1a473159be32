// Package fingerprint identifies block devices by their observable attributes
// so a setup can be reassembled even when device paths changed between boots.
// Matching is confidence-scored: identity evidence (UUID, path, size, serial)
// is weighed into a 0-100 score and a qualitative band.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/sparemap/sparemap/internal/device"
)

// Fingerprint captures the identifying attributes of one device.
type Fingerprint struct {
	Path       string    `json:"path"`
	ByteSize   int64     `json:"byte_size"`
	UUID       uuid.UUID `json:"uuid,omitempty"`        // zero when unknown
	SerialHash string    `json:"serial_hash,omitempty"` // hex SHA-256 of the hardware serial, "" when unknown
}

// Collect captures a fingerprint from an open device. The UUID is not a
// device property; callers that know it (from a decoded metadata record)
// fill it in afterwards.
func Collect(dev device.Device) (Fingerprint, error) {
	size, err := dev.Size()
	if err != nil {
		return Fingerprint{}, fmt.Errorf("fingerprint %s: %w", dev.Path(), err)
	}
	fp := Fingerprint{Path: dev.Path(), ByteSize: size}
	if serial := dev.Serial(); serial != "" {
		fp.SerialHash = HashSerial(serial)
	}
	return fp, nil
}

// HashSerial derives the stable hash stored for a hardware serial. Hashing
// keeps raw serials out of metadata blocks and diagnostics.
func HashSerial(serial string) string {
	h := sha256.Sum256([]byte(serial))
	return hex.EncodeToString(h[:])
}

// Band is the qualitative confidence classification of a match.
type Band int

const (
	BandPoor Band = iota
	BandLow
	BandMedium
	BandHigh
	BandPerfect
)

func (b Band) String() string {
	switch b {
	case BandPerfect:
		return "perfect"
	case BandHigh:
		return "high"
	case BandMedium:
		return "medium"
	case BandLow:
		return "low"
	default:
		return "poor"
	}
}

// Thresholds holds the minimum confidence for each band.
type Thresholds struct {
	Perfect int `yaml:"perfect"`
	High    int `yaml:"high"`
	Medium  int `yaml:"medium"`
	Low     int `yaml:"low"`
}

// DefaultThresholds returns the standard band boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{Perfect: 95, High: 80, Medium: 60, Low: 40}
}

// Match pairs an expected fingerprint against a candidate device.
type Match struct {
	Expected   Fingerprint
	Candidate  Fingerprint
	Confidence int
	Band       Band
}

// Matcher scores candidate devices against expected fingerprints.
type Matcher struct {
	thresholds Thresholds
}

// NewMatcher creates a matcher with the given band thresholds. Zero-valued
// thresholds fall back to the defaults.
func NewMatcher(t Thresholds) *Matcher {
	if t == (Thresholds{}) {
		t = DefaultThresholds()
	}
	return &Matcher{thresholds: t}
}

// Scoring weights. The components sum to 100 for a device that matches on
// every attribute.
const (
	weightUUID      = 40
	weightPath      = 25
	weightSizeExact = 25
	weightSizeNear  = 15 // sizes within 1% of the expected size
	weightSerial    = 10
)

// Match scores how well a candidate device matches an expected fingerprint.
func (m *Matcher) Match(expected, candidate Fingerprint) Match {
	score := 0

	if expected.UUID != uuid.Nil && candidate.UUID != uuid.Nil && expected.UUID == candidate.UUID {
		score += weightUUID
	}
	if expected.Path != "" && expected.Path == candidate.Path {
		score += weightPath
	}
	switch {
	case expected.ByteSize > 0 && expected.ByteSize == candidate.ByteSize:
		score += weightSizeExact
	case sizesWithinOnePercent(expected.ByteSize, candidate.ByteSize):
		score += weightSizeNear
	}
	if expected.SerialHash == candidate.SerialHash {
		// Two unknown serials carry no contradicting evidence and score the
		// same as two equal ones; a known-vs-unknown pair scores nothing.
		score += weightSerial
	}

	if score > 100 {
		score = 100
	}
	return Match{
		Expected:   expected,
		Candidate:  candidate,
		Confidence: score,
		Band:       m.band(score),
	}
}

// FindBestMatch returns the highest-confidence candidate at or above the Low
// threshold. ok is false when no candidate qualifies.
func (m *Matcher) FindBestMatch(expected Fingerprint, candidates []Fingerprint) (best Match, ok bool) {
	for _, c := range candidates {
		match := m.Match(expected, c)
		if match.Confidence < m.thresholds.Low {
			continue
		}
		if !ok || match.Confidence > best.Confidence {
			best, ok = match, true
		}
	}
	return best, ok
}

func (m *Matcher) band(score int) Band {
	switch {
	case score >= m.thresholds.Perfect:
		return BandPerfect
	case score >= m.thresholds.High:
		return BandHigh
	case score >= m.thresholds.Medium:
		return BandMedium
	case score >= m.thresholds.Low:
		return BandLow
	default:
		return BandPoor
	}
}

func sizesWithinOnePercent(expected, candidate int64) bool {
	if expected <= 0 || candidate <= 0 {
		return false
	}
	diff := expected - candidate
	if diff < 0 {
		diff = -diff
	}
	return diff*100 < expected
}
