package recorder

import (
	"time"

	"codeberg.org/mutker/recorderd/internal/errors"
	"codeberg.org/mutker/recorderd/internal/storage"
)

// State is the controller's position in its state machine.
type State string

const (
	StateStarting       State = "starting"
	StateRecording      State = "recording"
	StateReconnecting   State = "reconnecting"
	StateStorageBlocked State = "storage_blocked"
	StateStopped        State = "stopped"
)

// AllStates lists every state, in lifecycle order.
var AllStates = []State{
	StateStarting,
	StateRecording,
	StateReconnecting,
	StateStorageBlocked,
	StateStopped,
}

// StateNames returns AllStates as strings, the label values of the state
// gauge.
func StateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = string(s)
	}
	return names
}

// SegmentRef describes the segment being recorded.
type SegmentRef struct {
	ID       string        `json:"id"`
	Slot     int64         `json:"slot"`
	Attempt  int           `json:"attempt"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	Path     string        `json:"path"`
}

// LastError is the most recent failure the controller observed.
type LastError struct {
	Code      errors.ErrorCode `json:"code"`
	Message   string           `json:"message"`
	At        time.Time        `json:"at"`
	SegmentID string           `json:"segment_id,omitempty"`
	Slot      int64            `json:"slot,omitempty"`
	Attempt   int              `json:"attempt,omitempty"`
}

// Counters are cumulative since start.
type Counters struct {
	Attempts           uint64 `json:"attempts"`
	Finalized          uint64 `json:"finalized"`
	Failed             uint64 `json:"failed"`
	Partial            uint64 `json:"partial"`
	CameraUnreachable  uint64 `json:"camera_unreachable"`
	ProcessCrashed     uint64 `json:"process_crashed"`
	SegmentWriteFailed uint64 `json:"segment_write_failed"`
	MountUnhealthy     uint64 `json:"mount_unhealthy"`
	SlotsExhausted     uint64 `json:"slots_exhausted"`
	BytesWritten       int64  `json:"bytes_written"`
}

// Snapshot is an immutable view of the controller, replaced as a whole on
// every change.
type Snapshot struct {
	State          State               `json:"state"`
	CurrentSegment *SegmentRef         `json:"current_segment,omitempty"`
	LastError      *LastError          `json:"last_error,omitempty"`
	MountHealth    storage.MountHealth `json:"mount_health"`
	Counters       Counters            `json:"counters"`
	// Backoff is the wait in progress while Reconnecting or StorageBlocked.
	Backoff   time.Duration `json:"backoff,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}
