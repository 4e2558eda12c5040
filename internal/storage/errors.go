package storage

import "codeberg.org/mutker/recorderd/internal/errors"

const (
	ErrUnknownFSType errors.ErrorCode = "unknown_fs_type"
)
