package capture

import "codeberg.org/mutker/recorderd/internal/errors"

const (
	ErrCaptureBusy     errors.ErrorCode = "capture_busy"
	ErrCaptureOrphaned errors.ErrorCode = "capture_orphaned"
)

// ErrBusy is returned when RunSegment is called while another segment is
// still recording.
var ErrBusy = errors.New().WithMessage(ErrCaptureBusy, "a segment is already recording")
