package capture

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/recorderd/internal/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultGrace            = 30 * time.Second
	DefaultKillGrace        = 5 * time.Second
	DefaultMinSegmentBytes  = 64 << 10
	DefaultMinDurationRatio = 0.5
	defaultProbeTimeout     = 30 * time.Second
)

// Source is the camera stream every segment records from.
type Source struct {
	URL       string
	MaskedURL string
	Transport string
	IOTimeout time.Duration
}

// Options configures a Supervisor.
type Options struct {
	Source           Source
	Grace            time.Duration
	KillGrace        time.Duration
	MinSegmentBytes  int64
	MinDurationRatio float64
	ProbeTimeout     time.Duration
}

// Supervisor runs one capture process per segment and classifies how it
// ended. At most one segment records at a time.
type Supervisor struct {
	launcher Launcher
	prober   Prober
	opts     Options
	log      zerolog.Logger
	errs     errors.Factory

	busy atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	// orphan outlived its kill and may still hold an output file open.
	orphan Process
}

// NewSupervisor creates a supervisor. prober may be nil to skip the
// duration check.
func NewSupervisor(launcher Launcher, prober Prober, opts Options, log zerolog.Logger) *Supervisor {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.Source.Transport == "" {
		opts.Source.Transport = "tcp"
	}

	return &Supervisor{
		launcher: launcher,
		prober:   prober,
		opts:     opts,
		log:      log,
		errs:     errors.New(),
	}
}

// Busy reports whether a segment is recording.
func (s *Supervisor) Busy() bool {
	return s.busy.Load()
}

// Kill force-stops the active segment, if any. The partial recording is
// kept as <dest>.partial.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// RunSegment records seg and blocks until it is resolved. Cancelling ctx
// has the same effect as Kill.
func (s *Supervisor) RunSegment(ctx context.Context, seg *Segment) Result {
	if !s.busy.CompareAndSwap(false, true) {
		return Result{Status: StatusFailed, Cause: ErrCaptureBusy, Err: ErrBusy}
	}
	defer s.busy.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	log := s.log.With().
		Str("segment_id", seg.ID.String()).
		Int64("slot", seg.Slot).
		Int("attempt", seg.Attempt).
		Str("path", seg.Path).
		Logger()

	seg.Status = StatusRecording

	if err := runCtx.Err(); err != nil {
		return s.fail(log, seg, errors.ErrProcessCrashed, s.errs.Wrap(errors.ErrProcessCrashed, err).WithMessage("stopped before start"))
	}

	if err := s.awaitOrphan(runCtx, log); err != nil {
		return s.fail(log, seg, ErrCaptureOrphaned, err)
	}

	if err := os.MkdirAll(filepath.Dir(seg.Path), 0o755); err != nil {
		return s.fail(log, seg, errors.ErrSegmentWriteFailed, s.errs.Wrap(errors.ErrSegmentWriteFailed, err))
	}

	proc, err := s.launcher.Start(runCtx, Spec{
		URL:       s.opts.Source.URL,
		Transport: s.opts.Source.Transport,
		IOTimeout: s.opts.Source.IOTimeout,
		Duration:  seg.Duration,
		Output:    seg.PartPath(),
	})
	if err != nil {
		return s.fail(log, seg, errors.ErrProcessCrashed, s.errs.Wrap(errors.ErrProcessCrashed, err))
	}

	log.Info().
		Int("pid", proc.Pid()).
		Str("source", s.opts.Source.MaskedURL).
		Dur("duration", seg.Duration).
		Msg("Segment recording started")

	hang := time.NewTimer(seg.Duration + s.opts.Grace)
	defer hang.Stop()

	var hung, forced bool
	select {
	case <-proc.Exited():
	case <-hang.C:
		hung = true
		log.Warn().Dur("limit", seg.Duration+s.opts.Grace).Msg("Capture process hung, terminating")
		proc.Terminate(s.opts.KillGrace)
	case <-runCtx.Done():
		forced = true
		log.Warn().Msg("Force stop, killing capture process")
		proc.Kill()
	}

	if hung || forced {
		// A process stuck on a dead mount may never be reaped.
		reap := time.NewTimer(2 * s.opts.KillGrace)
		defer reap.Stop()
		select {
		case <-proc.Exited():
		case <-reap.C:
			log.Error().Int("pid", proc.Pid()).Msg("Capture process did not exit after kill, holding off new segments")
			s.mu.Lock()
			s.orphan = proc
			s.mu.Unlock()
		}
	}

	diagnostics := proc.Diagnostics()

	switch {
	case forced:
		s.quarantine(log, seg)
		return s.fail(log, seg, errors.ErrProcessCrashed,
			s.errs.WithMessage(errors.ErrProcessCrashed, "capture force stopped"))

	case hung:
		cause := Classify(diagnostics)
		s.quarantine(log, seg)
		return s.fail(log, seg, cause,
			s.errs.WithMessage(cause, "capture process hung").WithData(tail(diagnostics)))

	case proc.ExitErr() != nil:
		cause := Classify(diagnostics)
		s.quarantine(log, seg)
		return s.fail(log, seg, cause,
			s.errs.Wrap(cause, proc.ExitErr()).WithData(tail(diagnostics)))
	}

	return s.publish(ctx, log, seg)
}

// awaitOrphan gives an abandoned process one more kill grace to exit. No
// new process starts while it is alive.
func (s *Supervisor) awaitOrphan(ctx context.Context, log zerolog.Logger) error {
	s.mu.Lock()
	orphan := s.orphan
	s.mu.Unlock()
	if orphan == nil {
		return nil
	}

	wait := time.NewTimer(s.opts.KillGrace)
	defer wait.Stop()

	select {
	case <-orphan.Exited():
		s.mu.Lock()
		s.orphan = nil
		s.mu.Unlock()
		log.Info().Int("pid", orphan.Pid()).Msg("Abandoned capture process exited")
		return nil
	case <-wait.C:
	case <-ctx.Done():
	}

	orphan.Kill()
	return s.errs.WithMessage(ErrCaptureOrphaned, "previous capture process still running").WithData(orphan.Pid())
}

// publish verifies a cleanly exited recording and moves it into place.
func (s *Supervisor) publish(ctx context.Context, log zerolog.Logger, seg *Segment) Result {
	part := seg.PartPath()

	fi, err := os.Stat(part)
	if err != nil {
		return s.fail(log, seg, errors.ErrSegmentWriteFailed,
			s.errs.Wrap(errors.ErrSegmentWriteFailed, err).WithMessage("output missing"))
	}
	seg.Bytes = fi.Size()

	if seg.Bytes < s.opts.MinSegmentBytes {
		s.remove(log, part)
		return s.fail(log, seg, errors.ErrSegmentWriteFailed,
			s.errs.WithMessage(errors.ErrSegmentWriteFailed, "output truncated").WithData(seg.Bytes))
	}

	if s.prober != nil && s.opts.MinDurationRatio > 0 {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ProbeTimeout)
		observed, err := s.prober.Duration(probeCtx, part)
		cancel()
		if err != nil {
			s.remove(log, part)
			return s.fail(log, seg, errors.ErrSegmentWriteFailed,
				s.errs.Wrap(errors.ErrSegmentWriteFailed, err).WithMessage("output unreadable"))
		}
		seg.Observed = observed

		minimum := time.Duration(float64(seg.Duration) * s.opts.MinDurationRatio)
		if observed < minimum {
			s.remove(log, part)
			return s.fail(log, seg, errors.ErrSegmentWriteFailed,
				s.errs.WithMessage(errors.ErrSegmentWriteFailed, "output too short").WithData(observed.String()))
		}
	}

	if err := os.Rename(part, seg.Path); err != nil {
		s.remove(log, part)
		return s.fail(log, seg, errors.ErrSegmentWriteFailed,
			s.errs.Wrap(errors.ErrSegmentWriteFailed, err).WithMessage("publish failed"))
	}

	seg.Status = StatusFinalized
	seg.Cause = ""

	log.Info().
		Int64("bytes", seg.Bytes).
		Dur("observed", seg.Observed).
		Msg("Segment finalized")

	return Result{Status: StatusFinalized}
}

func (s *Supervisor) fail(log zerolog.Logger, seg *Segment, cause errors.ErrorCode, err error) Result {
	seg.Status = StatusFailed
	seg.Cause = cause

	log.Warn().
		Str("error_code", string(cause)).
		Bool("partial", seg.Partial).
		Err(err).
		Msg("Segment failed")

	return Result{Status: StatusFailed, Cause: cause, Err: err}
}

// quarantine keeps whatever was written as <dest>.partial so it can never
// be mistaken for a finalized segment.
func (s *Supervisor) quarantine(log zerolog.Logger, seg *Segment) {
	part := seg.PartPath()
	fi, err := os.Stat(part)
	if err != nil {
		return
	}
	if fi.Size() == 0 {
		s.remove(log, part)
		return
	}

	if err := os.Rename(part, seg.PartialPath()); err != nil {
		log.Error().Err(err).Msg("Failed to quarantine partial recording")
		s.remove(log, part)
		return
	}
	seg.Partial = true
	seg.Bytes = fi.Size()
}

func (s *Supervisor) remove(log zerolog.Logger, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("file", path).Msg("Failed to remove incomplete recording")
	}
}

func tail(lines []string) []string {
	const n = 5
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
