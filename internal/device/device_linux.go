//go:build linux

package device

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// blockDeviceSize asks the kernel for the byte size of a block device node.
func blockDeviceSize(f *os.File) (int64, error) {
	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, err
	}
	return int64(size), nil
}

// deviceSerial resolves the hardware serial for a block device via sysfs.
// Partitions resolve through their parent device. Returns "" for anything
// that is not a block device or has no serial exposed.
func deviceSerial(path string, f *os.File) string {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil || st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return ""
	}
	name := filepath.Base(path)
	for _, sysPath := range []string{
		"/sys/block/" + name + "/serial",
		"/sys/block/" + name + "/device/serial",
		"/sys/class/block/" + name + "/../serial",
		"/sys/class/block/" + name + "/../device/serial",
	} {
		if b, err := os.ReadFile(sysPath); err == nil {
			if s := strings.TrimSpace(string(b)); s != "" {
				return s
			}
		}
	}
	return ""
}
