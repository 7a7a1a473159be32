// Package discovery scans candidate devices for sparemap metadata, groups
// what it finds into logical setups, and proposes reattachments for spare
// devices whose paths changed between boots.
package discovery

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sparemap/sparemap/internal/device"
	"github.com/sparemap/sparemap/internal/fingerprint"
	"github.com/sparemap/sparemap/internal/metadata"
	"github.com/sparemap/sparemap/pkg/metaformat"
)

// Candidate is one scanned device: its fingerprint plus whatever metadata a
// quorum read could recover from it.
type Candidate struct {
	Path        string
	Fingerprint fingerprint.Fingerprint
	Read        *metadata.ReadResult // nil when the device holds no valid metadata
	Err         error                // open or probe error, nil otherwise
}

// Reattachment proposes a device for a spare whose recorded path no longer
// matches anything scanned.
type Reattachment struct {
	Spare metaformat.SpareDevice
	Match fingerprint.Match
}

// Setup groups the candidates that carry metadata for the same logical
// setup, keyed by the primary target's UUID.
type Setup struct {
	ID         uuid.UUID
	Record     *metaformat.Record // the best record among the members
	Members    []*Candidate
	Reattach   []Reattachment
	NeedRepair bool
}

// Scanner discovers setups across candidate device paths.
type Scanner struct {
	opts    metadata.Options
	matcher *fingerprint.Matcher
	log     zerolog.Logger
}

// NewScanner creates a scanner. The metadata options are applied to every
// probed device; the matcher scores reattachment candidates.
func NewScanner(opts metadata.Options, matcher *fingerprint.Matcher, log zerolog.Logger) *Scanner {
	return &Scanner{
		opts:    opts,
		matcher: matcher,
		log:     log.With().Str("component", "discovery").Logger(),
	}
}

// Scan probes every path and groups the results into setups. Unreadable
// paths and devices without metadata still appear as candidates so callers
// can report them; they simply belong to no setup.
func (s *Scanner) Scan(ctx context.Context, paths []string) ([]Setup, []*Candidate, error) {
	candidates := make([]*Candidate, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		candidates = append(candidates, s.probe(ctx, path))
	}

	groups := make(map[uuid.UUID]*Setup)
	for _, c := range candidates {
		if c.Read == nil {
			continue
		}
		id := setupID(c.Read.Record)
		g, ok := groups[id]
		if !ok {
			g = &Setup{ID: id}
			groups[id] = g
		}
		g.Members = append(g.Members, c)
		if g.Record == nil || newer(c.Read.Record.Header, g.Record.Header) {
			g.Record = c.Read.Record
		}
		if c.Read.NeedsRepair {
			g.NeedRepair = true
		}
	}

	setups := make([]Setup, 0, len(groups))
	for _, g := range groups {
		g.Reattach = s.findReattachments(g, candidates)
		setups = append(setups, *g)
	}
	sort.Slice(setups, func(i, j int) bool { return setups[i].ID.String() < setups[j].ID.String() })
	return setups, candidates, nil
}

// probe opens one path read-only, fingerprints it and attempts a quorum read.
func (s *Scanner) probe(ctx context.Context, path string) *Candidate {
	c := &Candidate{Path: path}

	dev, err := device.OpenReadOnly(path)
	if err != nil {
		c.Err = err
		s.log.Debug().Str("path", path).Err(err).Msg("candidate not openable")
		return c
	}
	defer func() { _ = dev.Close() }()

	c.Fingerprint, err = fingerprint.Collect(dev)
	if err != nil {
		c.Err = err
		return c
	}

	store, err := metadata.Open(dev, s.opts)
	if err != nil {
		c.Err = err
		return c
	}
	rr, err := store.Read(ctx)
	if err != nil {
		// No metadata is not a probe failure; the device is just not ours.
		s.log.Debug().Str("path", path).Err(err).Msg("no usable metadata on candidate")
		return c
	}
	c.Read = rr

	// The record knows this spare's UUID; stamp it onto the fingerprint so
	// reattachment scoring can use it. A path match pins the identity; for a
	// moved device, an unambiguous capacity match is the next best evidence.
	sectorSize := int64(rr.Record.Config.SectorSize)
	var bySize *metaformat.SpareDevice
	sizeMatches := 0
	for i, spare := range rr.Record.Config.Spares {
		if spare.Path == path {
			c.Fingerprint.UUID = spare.UUID
			return c
		}
		if int64(spare.SectorCount)*sectorSize == c.Fingerprint.ByteSize {
			bySize = &rr.Record.Config.Spares[i]
			sizeMatches++
		}
	}
	if sizeMatches == 1 {
		c.Fingerprint.UUID = bySize.UUID
	}
	return c
}

// findReattachments proposes scanned devices for recorded spares whose path
// was not seen in this scan.
func (s *Scanner) findReattachments(g *Setup, candidates []*Candidate) []Reattachment {
	if g.Record == nil {
		return nil
	}

	scanned := make(map[string]bool, len(candidates))
	fps := make([]fingerprint.Fingerprint, 0, len(candidates))
	for _, c := range candidates {
		scanned[c.Path] = true
		if c.Err == nil {
			fps = append(fps, c.Fingerprint)
		}
	}

	var out []Reattachment
	sectorSize := int64(g.Record.Config.SectorSize)
	for _, spare := range g.Record.Config.Spares {
		if scanned[spare.Path] {
			continue
		}
		expected := fingerprint.Fingerprint{
			Path:     spare.Path,
			ByteSize: int64(spare.SectorCount) * sectorSize,
			UUID:     spare.UUID,
		}
		match, ok := s.matcher.FindBestMatch(expected, fps)
		if !ok {
			s.log.Warn().Str("spare", spare.UUID.String()).Str("recorded_path", spare.Path).
				Msg("recorded spare not found among candidates")
			continue
		}
		out = append(out, Reattachment{Spare: spare, Match: match})
		s.log.Info().Str("spare", spare.UUID.String()).Str("recorded_path", spare.Path).
			Str("candidate", match.Candidate.Path).Int("confidence", match.Confidence).
			Stringer("band", match.Band).Msg("reattachment candidate found")
	}
	return out
}

// setupID identifies a setup by its primary target's UUID, falling back to
// the first spare for records with no targets.
func setupID(rec *metaformat.Record) uuid.UUID {
	if len(rec.Config.Targets) > 0 {
		return rec.Config.Targets[0].UUID
	}
	if len(rec.Config.Spares) > 0 {
		return rec.Config.Spares[0].UUID
	}
	return uuid.Nil
}

func newer(a, b metaformat.Header) bool {
	if a.Sequence != b.Sequence {
		return a.Sequence > b.Sequence
	}
	return a.Timestamp > b.Timestamp
}
