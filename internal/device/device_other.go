//go:build !linux

package device

import "os"

func blockDeviceSize(f *os.File) (int64, error) {
	// Non-Linux platforms fall back to seek-to-end, which works for both
	// files and raw devices on darwin and the BSDs.
	return f.Seek(0, 2)
}

func deviceSerial(path string, f *os.File) string {
	return ""
}
