package recorder

import (
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/recorderd/internal/errors"
	"codeberg.org/mutker/recorderd/internal/journal"
	"codeberg.org/mutker/recorderd/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	DefaultMinAttempt     = 5 * time.Second
	DefaultMaxSlotRetries = 3
)

// Options configures the capture loop.
type Options struct {
	Root            string
	Subfolder       string
	SegmentDuration time.Duration
	AlignToClock    bool
	MinAttempt      time.Duration
	MaxSlotRetries  int
	CameraBackoff   BackoffPolicy
	StorageBackoff  BackoffPolicy
	// ShutdownTimeout bounds a graceful stop triggered by context
	// cancellation before the active segment is killed.
	ShutdownTimeout time.Duration
	Location        *time.Location
}

// Validate reports configuration the loop cannot start with.
func (o Options) Validate() error {
	errFactory := errors.New()
	invalid := func(reason string) error {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "invalid recorder options").WithData(reason)
	}

	switch {
	case !filepath.IsAbs(o.Root):
		return invalid("root must be an absolute path")
	case o.SegmentDuration <= 0:
		return invalid("segment duration must be positive")
	case o.MinAttempt < 0 || o.MinAttempt >= o.SegmentDuration:
		return invalid("min attempt must be shorter than the segment duration")
	case o.MaxSlotRetries < 0:
		return invalid("max slot retries must not be negative")
	case o.CameraBackoff.Initial <= 0 || o.CameraBackoff.Max < o.CameraBackoff.Initial:
		return invalid("camera backoff is inconsistent")
	case o.StorageBackoff.Initial <= 0 || o.StorageBackoff.Max < o.StorageBackoff.Initial:
		return invalid("storage backoff is inconsistent")
	case o.ShutdownTimeout < 0:
		return invalid("shutdown timeout must not be negative")
	}

	return nil
}

// Option customizes a Controller.
type Option func(*Controller)

// WithJournal records every resolved segment.
func WithJournal(j journal.Journal) Option {
	return func(c *Controller) {
		if j != nil {
			c.journal = j
		}
	}
}

// WithMetrics publishes Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithLogger sets the controller logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithSleeper replaces the backoff wait.
func WithSleeper(s Sleeper) Option {
	return func(c *Controller) {
		c.sleep = s
	}
}

// WithFileExists replaces the check used to avoid reusing a file name.
func WithFileExists(exists func(string) bool) Option {
	return func(c *Controller) {
		c.exists = exists
	}
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
