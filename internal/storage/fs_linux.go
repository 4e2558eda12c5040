//go:build linux

package storage

import "golang.org/x/sys/unix"

func (OSFilesystem) Statfs(path string) (FSInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return FSInfo{}, err
	}

	return FSInfo{
		Type:   int64(st.Type),
		Bavail: st.Bavail,
		Bsize:  int64(st.Bsize),
	}, nil
}

func (OSFilesystem) DeviceID(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}

	return uint64(st.Dev), nil //nolint:unconvert // Dev is uint32 on some arches
}
