package storage

import (
	"time"

	"codeberg.org/mutker/recorderd/internal/errors"
)

// Status is the overall verdict of a mount probe.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusUnknown  Status = "unknown"
)

// Reason explains a non-healthy verdict.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonMountMissing          Reason = "mount-missing"
	ReasonLocalFallbackDetected Reason = "local-fallback-detected"
	ReasonLowSpace              Reason = "low-space"
	ReasonProbeTimeout          Reason = "probe-timeout"
	ReasonCancelled             Reason = "cancelled"
)

// MountHealth is the result of one guard check.
type MountHealth struct {
	Status    Status    `json:"status"`
	Reason    Reason    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	FreeBytes uint64    `json:"free_bytes"`
	CheckedAt time.Time `json:"checked_at"`
}

// Healthy reports whether writes may start.
func (h MountHealth) Healthy() bool {
	return h.Status == StatusHealthy
}

// Err returns a mount_unhealthy error for a non-healthy result, nil otherwise.
func (h MountHealth) Err() error {
	if h.Healthy() {
		return nil
	}

	msg := string(h.Reason)
	if h.Detail != "" {
		msg += ": " + h.Detail
	}

	return errors.New().WithData(errors.ErrMountUnhealthy, msg)
}
