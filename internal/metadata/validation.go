package metadata

import (
	"fmt"
	"strings"
)

// Defect is a bitmask of independent validation problem classes. A single
// validation pass can report several defects at once; checks never
// short-circuit.
type Defect uint32

const (
	DefectBadMagic Defect = 1 << iota
	DefectBadVersion
	DefectBadSize
	DefectChecksumMismatch
	DefectZeroSequence
	DefectFutureTimestamp
	DefectCountOverflow
	DefectHealthRange
	DefectEmptyDevice
	DefectSpareTooSmall
	DefectNoFingerprint
	DefectTargetOverlap
	DefectCapacityMismatch
	DefectPathChanged
)

// repairableDefects are the defect classes a repair pass or auto-repair can
// fix. Magic, version and size defects mean the block is not ours to fix.
const repairableDefects = DefectChecksumMismatch | DefectZeroSequence | DefectFutureTimestamp | DefectPathChanged

var defectNames = map[Defect]string{
	DefectBadMagic:         "bad-magic",
	DefectBadVersion:       "bad-version",
	DefectBadSize:          "bad-size",
	DefectChecksumMismatch: "checksum-mismatch",
	DefectZeroSequence:     "zero-sequence",
	DefectFutureTimestamp:  "future-timestamp",
	DefectCountOverflow:    "count-overflow",
	DefectHealthRange:      "health-range",
	DefectEmptyDevice:      "empty-device",
	DefectSpareTooSmall:    "spare-too-small",
	DefectNoFingerprint:    "no-fingerprint",
	DefectTargetOverlap:    "target-overlap",
	DefectCapacityMismatch: "capacity-mismatch",
	DefectPathChanged:      "path-changed",
}

// String renders the set bits as a comma-separated flag list.
func (d Defect) String() string {
	if d == 0 {
		return "none"
	}
	var parts []string
	for bit := Defect(1); bit != 0 && bit <= d; bit <<= 1 {
		if d&bit != 0 {
			if name, ok := defectNames[bit]; ok {
				parts = append(parts, name)
			} else {
				parts = append(parts, fmt.Sprintf("unknown(0x%x)", uint32(bit)))
			}
		}
	}
	return strings.Join(parts, ",")
}

// Level controls validation strictness. Levels are ascending bitmasks: each
// level includes every check of the levels below it.
type Level uint8

const (
	levelMinimalBit Level = 1 << iota
	levelStandardBit
	levelStrictBit
	levelParanoidBit
)

const (
	LevelMinimal  = levelMinimalBit
	LevelStandard = LevelMinimal | levelStandardBit
	LevelStrict   = LevelStandard | levelStrictBit
	LevelParanoid = LevelStrict | levelParanoidBit
)

// Includes reports whether l enables all checks of the given level.
func (l Level) Includes(other Level) bool { return l&other == other }

func (l Level) String() string {
	switch {
	case l.Includes(LevelParanoid):
		return "paranoid"
	case l.Includes(LevelStrict):
		return "strict"
	case l.Includes(LevelStandard):
		return "standard"
	case l.Includes(LevelMinimal):
		return "minimal"
	default:
		return "none"
	}
}

// ParseLevel parses a level name from configuration.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard":
		return LevelStandard, nil
	case "minimal":
		return LevelMinimal, nil
	case "strict":
		return LevelStrict, nil
	case "paranoid":
		return LevelParanoid, nil
	default:
		return 0, fmt.Errorf("unknown validation level %q", s)
	}
}

// Diagnostic is one structured validation finding.
type Diagnostic struct {
	Code    string
	Message string
}

// Result collects the outcome of a validation pass: a defect bitmask, the
// per-defect diagnostics, and recovery suggestions for operator tooling.
// Pure output; safe to discard.
type Result struct {
	Defects     Defect
	Errors      int
	Diagnostics []Diagnostic
	Suggestions []string
}

// add records one defect with its diagnostic and optional suggestion.
func (r *Result) add(d Defect, code, format string, args ...any) {
	r.Defects |= d
	r.Errors++
	r.Diagnostics = append(r.Diagnostics, Diagnostic{Code: code, Message: fmt.Sprintf(format, args...)})
}

func (r *Result) suggest(s string) {
	for _, have := range r.Suggestions {
		if have == s {
			return
		}
	}
	r.Suggestions = append(r.Suggestions, s)
}

// merge folds another result into this one.
func (r *Result) merge(other *Result) {
	if other == nil {
		return
	}
	r.Defects |= other.Defects
	r.Errors += other.Errors
	r.Diagnostics = append(r.Diagnostics, other.Diagnostics...)
	for _, s := range other.Suggestions {
		r.suggest(s)
	}
}

// OK reports whether the pass found no defects.
func (r *Result) OK() bool { return r.Defects == 0 }

// Has reports whether any of the given defect bits are set.
func (r *Result) Has(d Defect) bool { return r.Defects&d != 0 }

// Summary renders a single-line human-readable flag summary.
func (r *Result) Summary() string {
	if r.OK() {
		return "ok"
	}
	return fmt.Sprintf("%d error(s): %s", r.Errors, r.Defects)
}

// Render produces the full multi-line report: summary, diagnostics and
// recovery suggestions.
func (r *Result) Render() string {
	var b strings.Builder
	b.WriteString(r.Summary())
	for _, d := range r.Diagnostics {
		fmt.Fprintf(&b, "\n  [%s] %s", d.Code, d.Message)
	}
	if len(r.Suggestions) > 0 {
		b.WriteString("\nsuggested recovery:")
		for _, s := range r.Suggestions {
			fmt.Fprintf(&b, "\n  - %s", s)
		}
	}
	return b.String()
}
