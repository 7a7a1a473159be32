package metadata

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sparemap/sparemap/internal/device"
)

// AsyncWrite coordinates one non-blocking fan-out write: the slot writes run
// concurrently, each completion decrements a shared pending counter, and the
// completion that observes zero signals done exactly once. Cancellation is
// cooperative — already-issued writes are not aborted, only their result
// reporting is suppressed — and Cancel blocks until the fan-out joins, so no
// completion can touch the coordinator after the caller moves on.
type AsyncWrite struct {
	done      chan struct{}
	closeOnce sync.Once
	pending   atomic.Int32
	cancelled atomic.Bool

	errMu    sync.Mutex
	firstErr error
}

// beginWrite fans the prepared slot blocks out to the device. One goroutine
// per slot; the last finisher syncs the device and signals completion.
func beginWrite(ctx context.Context, dev device.Device, blocks [][]byte, offsets []int64, log zerolog.Logger) *AsyncWrite {
	aw := &AsyncWrite{done: make(chan struct{})}
	aw.pending.Store(int32(len(blocks)))

	for i := range blocks {
		go func(slot int, block []byte, off int64) {
			defer aw.complete(dev)

			if aw.cancelled.Load() || ctx.Err() != nil {
				return
			}
			if _, err := dev.WriteAt(block, off); err != nil {
				if !aw.cancelled.Load() {
					aw.recordErr(fmt.Errorf("write slot %d at offset %d: %w", slot, off, err))
					log.Error().Int("slot", slot).Err(err).Msg("async slot write failed")
				}
			}
		}(i, blocks[i], offsets[i])
	}
	return aw
}

// Wait blocks until the fan-out completes, the timeout elapses, or ctx is
// cancelled. On completion it surfaces the first error any slot recorded.
func (aw *AsyncWrite) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-aw.done:
		return aw.result()
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel suppresses further result reporting and waits, bounded by the
// timeout, for the in-flight completions to join.
func (aw *AsyncWrite) Cancel(timeout time.Duration) error {
	aw.cancelled.Store(true)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-aw.done:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	}
}

// complete is the join point: the completion that takes pending to zero
// syncs the device (unless the write failed or was cancelled) and signals.
func (aw *AsyncWrite) complete(dev device.Device) {
	if aw.pending.Add(-1) != 0 {
		return
	}
	if !aw.cancelled.Load() && aw.result() == nil {
		if err := dev.Sync(); err != nil {
			aw.recordErr(fmt.Errorf("sync %s: %w", dev.Path(), err))
		}
	}
	aw.closeOnce.Do(func() { close(aw.done) })
}

func (aw *AsyncWrite) recordErr(err error) {
	aw.errMu.Lock()
	if aw.firstErr == nil {
		aw.firstErr = err
	}
	aw.errMu.Unlock()
}

func (aw *AsyncWrite) result() error {
	aw.errMu.Lock()
	err := aw.firstErr
	aw.errMu.Unlock()
	if err != nil {
		return err
	}
	if aw.cancelled.Load() {
		return ErrWriteCancelled
	}
	return nil
}
