package status

import "codeberg.org/mutker/recorderd/internal/errors"

const (
	ErrStatusFileWrite errors.ErrorCode = "status_file_write_failed"
)
