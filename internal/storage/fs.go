package storage

import (
	"os"
)

// FSInfo is the subset of statfs(2) the guard looks at.
type FSInfo struct {
	Type   int64
	Bavail uint64
	Bsize  int64
}

// Free returns the bytes available to unprivileged writers.
func (i FSInfo) Free() uint64 {
	if i.Bsize <= 0 {
		return 0
	}

	return i.Bavail * uint64(i.Bsize)
}

// Filesystem abstracts the read-only probes so tests can fake a mount.
type Filesystem interface {
	Stat(path string) (os.FileInfo, error)
	Statfs(path string) (FSInfo, error)
	// DeviceID returns the st_dev of path.
	DeviceID(path string) (uint64, error)
}

// OSFilesystem probes the real filesystem.
type OSFilesystem struct{}

var _ Filesystem = OSFilesystem{}

func (OSFilesystem) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}
