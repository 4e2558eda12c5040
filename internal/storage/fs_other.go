//go:build !linux

package storage

import stderrors "errors"

// Mount probing relies on Linux statfs magic numbers.

func (OSFilesystem) Statfs(string) (FSInfo, error) {
	return FSInfo{}, stderrors.ErrUnsupported
}

func (OSFilesystem) DeviceID(string) (uint64, error) {
	return 0, stderrors.ErrUnsupported
}
