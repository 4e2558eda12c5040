package status

import (
	"context"
	"encoding/json"
	"time"

	"codeberg.org/mutker/recorderd/internal/errors"
	"codeberg.org/mutker/recorderd/internal/journal"
	"codeberg.org/mutker/recorderd/internal/metrics"
	"codeberg.org/mutker/recorderd/internal/recorder"
	"codeberg.org/mutker/recorderd/internal/storage"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// Source publishes recorder state.
type Source interface {
	Snapshot() recorder.Snapshot
}

// View is the polled status document.
type View struct {
	State               recorder.State       `json:"state"`
	Ready               bool                 `json:"ready"`
	CurrentSegmentStart *time.Time           `json:"current_segment_start,omitempty"`
	CurrentSegment      *recorder.SegmentRef `json:"current_segment,omitempty"`
	LastError           *recorder.LastError  `json:"last_error,omitempty"`
	MountHealth         storage.MountHealth  `json:"mount_health"`
	Counters            recorder.Counters    `json:"counters"`
	BackoffSeconds      float64              `json:"backoff_seconds,omitempty"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// Reporter exposes recorder state to external readers. It has no control
// over the recorder.
type Reporter struct {
	source  Source
	journal journal.Journal
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewReporter returns a Reporter. journal and metrics may be nil.
func NewReporter(source Source, j journal.Journal, m *metrics.Metrics, log zerolog.Logger) *Reporter {
	if j == nil {
		j = journal.Noop()
	}
	return &Reporter{source: source, journal: j, metrics: m, log: log}
}

// Snapshot returns the current view without blocking the recorder.
func (r *Reporter) Snapshot() View {
	return newView(r.source.Snapshot())
}

func newView(s recorder.Snapshot) View {
	v := View{
		State:          s.State,
		Ready:          s.State == recorder.StateRecording,
		CurrentSegment: s.CurrentSegment,
		LastError:      s.LastError,
		MountHealth:    s.MountHealth,
		Counters:       s.Counters,
		BackoffSeconds: s.Backoff.Seconds(),
		UpdatedAt:      s.UpdatedAt,
	}
	if s.CurrentSegment != nil {
		start := s.CurrentSegment.Start
		v.CurrentSegmentStart = &start
	}
	return v
}

// WriteFile atomically replaces path with the current view.
func (r *Reporter) WriteFile(path string) error {
	data, err := json.MarshalIndent(r.Snapshot(), "", "  ")
	if err != nil {
		return errors.New().Wrap(errors.ErrInternal, err)
	}
	data = append(data, '\n')

	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return errors.New().Wrap(ErrStatusFileWrite, err)
	}
	return nil
}

// RunFileWriter rewrites path whenever the recorder state changes, checking
// every interval, and once more when ctx is done.
func (r *Reporter) RunFileWriter(ctx context.Context, path string, interval time.Duration) error {
	if interval <= 0 {
		return errors.New().WithMessage(errors.ErrInvalidArgument, "status file interval must be positive")
	}

	var last time.Time
	write := func() {
		updated := r.source.Snapshot().UpdatedAt
		if !last.IsZero() && updated.Equal(last) {
			return
		}
		if err := r.WriteFile(path); err != nil {
			r.log.Warn().Err(err).Str("path", path).Msg("Failed to write status file")
			return
		}
		last = updated
	}

	write()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			write()
			return nil
		case <-ticker.C:
			write()
		}
	}
}
