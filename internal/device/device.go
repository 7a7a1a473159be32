// Package device provides access to the block devices (or file images) that
// back sparemap setups: positional reads and writes for metadata slots, size
// probing, and stable-identifier lookup for fingerprinting.
package device

import (
	"errors"
	"fmt"
	"os"
)

// Common device errors.
var (
	ErrClosed       = errors.New("device: closed")
	ErrOutOfRange   = errors.New("device: offset out of range")
	ErrShortWrite   = errors.New("device: short write")
	ErrNotSupported = errors.New("device: operation not supported")
)

// Device is the minimal surface the metadata store needs from a backing
// device. Implementations must support concurrent ReadAt calls and must make
// each WriteAt visible atomically with respect to a subsequent ReadAt of the
// same range.
type Device interface {
	// Path returns the device node or image path this device was opened from.
	Path() string

	// Size returns the device capacity in bytes.
	Size() (int64, error)

	// ReadAt reads len(p) bytes at the given byte offset.
	ReadAt(p []byte, off int64) (int, error)

	// WriteAt writes len(p) bytes at the given byte offset.
	WriteAt(p []byte, off int64) (int, error)

	// Sync flushes written data to stable storage.
	Sync() error

	// Serial returns a stable hardware identifier for the device, or ""
	// when none is available (file images, virtio without serial, ...).
	Serial() string

	Close() error
}

// FileDevice is a Device backed by a regular file or a block device node
// opened through the filesystem.
type FileDevice struct {
	path string
	f    *os.File
}

// Open opens a device node or image file for metadata I/O.
func Open(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", path, err)
	}
	return &FileDevice{path: path, f: f}, nil
}

// OpenReadOnly opens a device for inspection without write access.
func OpenReadOnly(path string) (*FileDevice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", path, err)
	}
	return &FileDevice{path: path, f: f}, nil
}

// Create creates a sparse image file of the given size, for tests and for
// provisioning file-backed spares.
func Create(path string, size int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create device image %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("size device image %s: %w", path, err)
	}
	return &FileDevice{path: path, f: f}, nil
}

func (d *FileDevice) Path() string { return d.path }

// Size returns the device capacity. For block device nodes the size comes
// from the kernel (stat reports 0 for them); for regular files from stat.
func (d *FileDevice) Size() (int64, error) {
	if d.f == nil {
		return 0, ErrClosed
	}
	info, err := d.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", d.path, err)
	}
	if info.Mode().IsRegular() {
		return info.Size(), nil
	}
	return blockDeviceSize(d.f)
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if d.f == nil {
		return 0, ErrClosed
	}
	return d.f.ReadAt(p, off)
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if d.f == nil {
		return 0, ErrClosed
	}
	n, err := d.f.WriteAt(p, off)
	if err == nil && n < len(p) {
		return n, ErrShortWrite
	}
	return n, err
}

func (d *FileDevice) Sync() error {
	if d.f == nil {
		return ErrClosed
	}
	return d.f.Sync()
}

// Serial returns the hardware serial for real block devices, "" otherwise.
func (d *FileDevice) Serial() string {
	if d.f == nil {
		return ""
	}
	return deviceSerial(d.path, d.f)
}

func (d *FileDevice) Close() error {
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}
