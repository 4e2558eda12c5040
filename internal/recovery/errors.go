package recovery

import "codeberg.org/mutker/recorderd/internal/errors"

const (
	ErrSweepFailed errors.ErrorCode = "recovery_sweep_failed"
)
