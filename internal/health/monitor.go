// Package health runs the periodic health monitor: it scores the state of a
// setup from its remap table and persists the score (and the current table)
// through the metadata store. Writes are rate-limited and transient write
// failures are tolerated and retried on the next tick.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sparemap/sparemap/internal/metadata"
	"github.com/sparemap/sparemap/internal/remap"
)

// Defaults.
const (
	DefaultInterval  = 5 * time.Minute
	DefaultWriteRate = rate.Limit(1.0 / 30) // at most one metadata write per 30s
	DefaultBurst     = 1
)

// Config configures a Monitor.
type Config struct {
	Store *metadata.Store
	Table *remap.Table

	// Interval between scans. Defaults to DefaultInterval.
	Interval time.Duration

	// WriteRate bounds how often the monitor may write metadata, so a
	// flapping device cannot grind the spare with metadata churn.
	WriteRate rate.Limit
	Burst     int

	Logger zerolog.Logger
}

// Monitor periodically scores setup health and persists it.
type Monitor struct {
	store    *metadata.Store
	table    *remap.Table
	interval time.Duration
	limiter  *rate.Limiter
	log      zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	lastScore uint8
	lastErr   error
}

// New creates a monitor. Zero config fields get defaults.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.WriteRate <= 0 {
		cfg.WriteRate = DefaultWriteRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	return &Monitor{
		store:    cfg.Store,
		table:    cfg.Table,
		interval: cfg.Interval,
		limiter:  rate.NewLimiter(cfg.WriteRate, cfg.Burst),
		log:      cfg.Logger.With().Str("component", "health-monitor").Logger(),
	}
}

// Start launches the scan loop. Stop shuts it down.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.RunOnce(ctx); err != nil {
					// Transient failures are retried next tick.
					m.log.Warn().Err(err).Msg("health scan failed; will retry")
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// LastScore returns the most recently computed score and the error of the
// last persist attempt, if any.
func (m *Monitor) LastScore() (uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastScore, m.lastErr
}

// RunOnce performs a single scan: score the table, then persist score and
// table through the store, unless the write rate limit defers it.
func (m *Monitor) RunOnce(ctx context.Context) error {
	rr, err := m.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("health scan read: %w", err)
	}
	rec := rr.Record

	score := Score(m.table.Len(), m.table.Errored(), int(rec.Remap.MaxCount))
	m.mu.Lock()
	m.lastScore = score
	m.mu.Unlock()

	if !m.limiter.Allow() {
		m.log.Debug().Uint8("score", score).Msg("metadata write deferred by rate limit")
		return nil
	}

	rec.Remap.Entries = m.table.Snapshot()
	rec.Health.HealthScore = score
	rec.Health.ScanIntervalSec = uint32(m.interval / time.Second)

	err = m.store.Write(ctx, rec)
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("persist health data: %w", err)
	}

	m.log.Debug().Uint8("score", score).Uint64("sequence", rec.Header.Sequence).Msg("health data persisted")
	return nil
}

// Score computes a 0-100 health score from remap table pressure. A full
// table costs up to 60 points; each errored spare sector costs 10 more.
func Score(active, errored, max int) uint8 {
	score := 100
	if max > 0 {
		score -= active * 60 / max
	}
	score -= errored * 10
	if score < 0 {
		score = 0
	}
	return uint8(score)
}
