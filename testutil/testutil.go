// Package testutil provides shared test utilities and fakes for sparemap tests.
package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sparemap/sparemap/internal/device"
)

// TempImage creates a sparse device image in a test temp dir and opens it.
// The device is closed and the image removed when the test finishes.
func TempImage(t *testing.T, size int64) *device.FileDevice {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spare.img")
	d, err := device.Create(path, size)
	if err != nil {
		t.Fatalf("failed to create device image: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// CorruptByte flips one byte of a device image file directly on disk,
// bypassing the device handle, the way real media corruption would.
func CorruptByte(t *testing.T, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("failed to open image for corruption: %v", err)
	}
	defer func() { _ = f.Close() }()

	b := make([]byte, 1)
	if _, err := f.ReadAt(b, offset); err != nil {
		t.Fatalf("failed to read byte at %d: %v", offset, err)
	}
	b[0] ^= 0xFF
	if _, err := f.WriteAt(b, offset); err != nil {
		t.Fatalf("failed to corrupt byte at %d: %v", offset, err)
	}
}

// ZeroRange overwrites a range of a device image with zeros, simulating a
// slot that was never written or was wiped.
func ZeroRange(t *testing.T, path string, offset, length int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("failed to open image: %v", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteAt(make([]byte, length), offset); err != nil {
		t.Fatalf("failed to zero range at %d: %v", offset, err)
	}
}

// ErrInjected is the error FaultDevice returns for faulted ranges.
var ErrInjected = errors.New("injected I/O fault")

// FaultDevice wraps a device and injects I/O errors for chosen byte offsets.
// It implements device.Device.
type FaultDevice struct {
	Inner device.Device

	mu         sync.Mutex
	readFaults map[int64]error
	writeFault map[int64]error
	writeDelay chan struct{} // when set, writes block until the channel closes
}

// NewFaultDevice wraps an inner device with no faults installed.
func NewFaultDevice(inner device.Device) *FaultDevice {
	return &FaultDevice{
		Inner:      inner,
		readFaults: make(map[int64]error),
		writeFault: make(map[int64]error),
	}
}

// FailReads makes ReadAt at the given offset fail.
func (d *FaultDevice) FailReads(offset int64) {
	d.mu.Lock()
	d.readFaults[offset] = ErrInjected
	d.mu.Unlock()
}

// FailWrites makes WriteAt at the given offset fail.
func (d *FaultDevice) FailWrites(offset int64) {
	d.mu.Lock()
	d.writeFault[offset] = ErrInjected
	d.mu.Unlock()
}

// ClearWriteFaults removes all installed write faults.
func (d *FaultDevice) ClearWriteFaults() {
	d.mu.Lock()
	d.writeFault = make(map[int64]error)
	d.mu.Unlock()
}

// BlockWrites makes every WriteAt stall until ReleaseWrites is called.
func (d *FaultDevice) BlockWrites() {
	d.mu.Lock()
	d.writeDelay = make(chan struct{})
	d.mu.Unlock()
}

// ReleaseWrites unblocks writes stalled by BlockWrites.
func (d *FaultDevice) ReleaseWrites() {
	d.mu.Lock()
	if d.writeDelay != nil {
		close(d.writeDelay)
		d.writeDelay = nil
	}
	d.mu.Unlock()
}

func (d *FaultDevice) Path() string         { return d.Inner.Path() }
func (d *FaultDevice) Size() (int64, error) { return d.Inner.Size() }
func (d *FaultDevice) Serial() string       { return d.Inner.Serial() }
func (d *FaultDevice) Sync() error          { return d.Inner.Sync() }
func (d *FaultDevice) Close() error         { return d.Inner.Close() }

func (d *FaultDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	err := d.readFaults[off]
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return d.Inner.ReadAt(p, off)
}

func (d *FaultDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	err := d.writeFault[off]
	delay := d.writeDelay
	d.mu.Unlock()
	if delay != nil {
		<-delay
	}
	if err != nil {
		return 0, err
	}
	return d.Inner.WriteAt(p, off)
}
