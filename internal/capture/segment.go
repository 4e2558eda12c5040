package capture

import (
	"time"

	"codeberg.org/mutker/recorderd/internal/errors"
	"github.com/google/uuid"
)

const (
	// PartSuffix marks a file still being written.
	PartSuffix = ".part"
	// PartialSuffix marks a quarantined, incomplete recording.
	PartialSuffix = ".partial"
)

// Status is the lifecycle position of a segment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRecording Status = "recording"
	StatusFinalized Status = "finalized"
	StatusFailed    Status = "failed"
)

// Segment is one capture attempt for a time slot. The controller creates
// it, the supervisor owns it while recording and is the only one to
// resolve it.
type Segment struct {
	ID       uuid.UUID
	Slot     int64
	Attempt  int
	Start    time.Time
	Duration time.Duration
	Path     string

	Status   Status
	Cause    errors.ErrorCode
	Bytes    int64
	Observed time.Duration
	Partial  bool
}

// NewSegment returns a pending segment for the given slot attempt.
func NewSegment(slot int64, attempt int, start time.Time, duration time.Duration, path string) *Segment {
	return &Segment{
		ID:       uuid.New(),
		Slot:     slot,
		Attempt:  attempt,
		Start:    start,
		Duration: duration,
		Path:     path,
		Status:   StatusPending,
	}
}

func (s *Segment) PartPath() string    { return s.Path + PartSuffix }
func (s *Segment) PartialPath() string { return s.Path + PartialSuffix }

// End is the planned end of the recording.
func (s *Segment) End() time.Time {
	return s.Start.Add(s.Duration)
}

// Resolved reports whether the segment reached a terminal status.
func (s *Segment) Resolved() bool {
	return s.Status == StatusFinalized || s.Status == StatusFailed
}

// Result is the outcome of RunSegment.
type Result struct {
	Status Status
	Cause  errors.ErrorCode
	Err    error
}
