package journal

import (
	"context"
	"time"
)

// Journal keeps a postmortem timeline of resolved segments.
type Journal interface {
	Record(ctx context.Context, entry *Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Repository defines the interface for journal storage
type Repository interface {
	Record(entry *Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Entry is one resolved segment attempt.
type Entry struct {
	SegmentID  string        `json:"segment_id"`
	Slot       int64         `json:"slot"`
	Attempt    int           `json:"attempt"`
	Start      time.Time     `json:"start"`
	Planned    time.Duration `json:"planned"`
	Observed   time.Duration `json:"observed"`
	Bytes      int64         `json:"bytes"`
	Status     string        `json:"status"`
	Cause      string        `json:"cause,omitempty"`
	Partial    bool          `json:"partial"`
	Path       string        `json:"path"`
	ResolvedAt time.Time     `json:"resolved_at"`
}
