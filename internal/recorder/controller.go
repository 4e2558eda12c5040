package recorder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/recorderd/internal/capture"
	"codeberg.org/mutker/recorderd/internal/errors"
	"codeberg.org/mutker/recorderd/internal/journal"
	"codeberg.org/mutker/recorderd/internal/metrics"
	"codeberg.org/mutker/recorderd/internal/storage"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// Guard reports whether the destination mount may be written to.
type Guard interface {
	Check(ctx context.Context) storage.MountHealth
}

// Runner records one segment at a time.
type Runner interface {
	RunSegment(ctx context.Context, seg *capture.Segment) capture.Result
	Kill()
}

// Controller drives the capture loop: guard check, segment, classify,
// back off, repeat. Run is the only writer of its state; readers use
// Snapshot.
type Controller struct {
	guard   Guard
	runner  Runner
	opts    Options
	planner planner

	journal journal.Journal
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
	sleep   Sleeper
	exists  func(string) bool

	snap atomic.Pointer[Snapshot]
	cur  Snapshot

	running        atomic.Bool
	stopRequested  atomic.Bool
	forceRequested atomic.Bool

	mu         sync.Mutex
	cancelLoop context.CancelFunc
	cancelHard context.CancelFunc
}

// New creates a controller. Options are validated by Run.
func New(guard Guard, runner Runner, opts Options, options ...Option) *Controller {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.ShutdownTimeout == 0 && opts.SegmentDuration > 0 {
		opts.ShutdownTimeout = opts.SegmentDuration + capture.DefaultGrace
	}

	c := &Controller{
		guard:  guard,
		runner: runner,
		opts:   opts,
		planner: planner{
			duration:   opts.SegmentDuration,
			align:      opts.AlignToClock,
			minAttempt: opts.MinAttempt,
			loc:        opts.Location,
		},
		journal: journal.Noop(),
		log:     zerolog.Nop(),
		now:     time.Now,
		sleep:   sleepContext,
		exists:  fileExists,
	}
	for _, opt := range options {
		opt(c)
	}

	c.cur = Snapshot{State: StateStarting, UpdatedAt: c.now()}
	snap := c.cur
	c.snap.Store(&snap)
	c.metrics.SetState(string(StateStarting), StateNames())

	return c
}

// Snapshot returns the latest published state. It never blocks.
func (c *Controller) Snapshot() Snapshot {
	return *c.snap.Load()
}

// Stop requests the loop to end. A graceful stop lets the active segment
// finish; a forced stop kills it and keeps the partial recording.
func (c *Controller) Stop(force bool) {
	c.stopRequested.Store(true)
	if force {
		c.forceRequested.Store(true)
	}

	c.mu.Lock()
	cancelLoop, cancelHard := c.cancelLoop, c.cancelHard
	c.mu.Unlock()

	if cancelLoop != nil {
		cancelLoop()
	}
	if force {
		if cancelHard != nil {
			cancelHard()
		}
		if c.runner != nil {
			c.runner.Kill()
		}
	}
}

// Run executes the capture loop until a stop request or ctx cancellation,
// which counts as a graceful stop escalated to a forced one after the
// shutdown timeout. It returns an error only for invalid configuration.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New().WithMessage(errors.ErrInvalidOperation, "capture loop already started")
	}

	if err := c.validate(); err != nil {
		c.log.Error().Err(err).Str("error_code", string(errors.CodeOf(err))).Msg("Invalid configuration, not starting")
		c.update(func(s *Snapshot) {
			s.State = StateStopped
			s.LastError = &LastError{Code: errors.ErrInvalidConfig, Message: err.Error(), At: c.now()}
		})
		return err
	}

	loopCtx, cancelLoop := context.WithCancel(ctx)
	hardCtx, cancelHard := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.cancelLoop, c.cancelHard = cancelLoop, cancelHard
	if c.stopRequested.Load() {
		cancelLoop()
	}
	if c.forceRequested.Load() {
		cancelHard()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.watch(ctx, done)
	}()

	defer func() {
		close(done)
		wg.Wait()
		cancelLoop()
		cancelHard()

		c.update(func(s *Snapshot) {
			s.State = StateStopped
			s.CurrentSegment = nil
			s.Backoff = 0
		})
		c.log.Info().Msg("Capture loop stopped")
	}()

	c.log.Info().
		Str("root", c.opts.Root).
		Str("subfolder", c.opts.Subfolder).
		Dur("segment_duration", c.opts.SegmentDuration).
		Bool("align_to_clock", c.opts.AlignToClock).
		Msg("Capture loop starting")

	c.loop(loopCtx, hardCtx)

	return nil
}

func (c *Controller) validate() error {
	if c.guard == nil || c.runner == nil {
		return errors.New().WithMessage(errors.ErrInvalidConfig, "guard and runner are required")
	}
	return c.opts.Validate()
}

// watch turns cancellation of the parent context into a graceful stop,
// forced after the shutdown timeout.
func (c *Controller) watch(ctx context.Context, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	c.log.Info().Dur("timeout", c.opts.ShutdownTimeout).Msg("Shutdown requested, finishing current segment")
	c.Stop(false)

	t := time.NewTimer(c.opts.ShutdownTimeout)
	defer t.Stop()

	select {
	case <-done:
	case <-t.C:
		c.log.Warn().Msg("Shutdown timeout exceeded, killing active segment")
		c.Stop(true)
	}
}

func (c *Controller) stopping(ctx context.Context) bool {
	return c.stopRequested.Load() || ctx.Err() != nil
}

func (c *Controller) loop(loopCtx, hardCtx context.Context) {
	camera := newBackoff(c.opts.CameraBackoff)
	store := newBackoff(c.opts.StorageBackoff)

	var (
		cur       *slot
		lastStart time.Time
	)

	for !c.stopping(loopCtx) {
		health := c.guard.Check(loopCtx)
		if c.stopping(loopCtx) {
			return
		}
		c.metrics.ObserveMountCheck(string(health.Status), string(health.Reason), health.FreeBytes)
		if !health.Healthy() {
			c.blockOnStorage(loopCtx, health, store)
			continue
		}
		store.Reset()

		now := c.now()
		if !now.After(lastStart) {
			now = lastStart.Add(time.Millisecond)
		}
		if cur != nil && cur.remaining(now) < c.opts.MinAttempt {
			c.log.Info().
				Int64("slot", cur.id).
				Dur("remaining", cur.remaining(now)).
				Msg("Slot remainder too short, moving to next slot")
			cur = nil
		}
		if cur == nil {
			cur = c.planner.open(now)
		}
		cur.attempts++
		lastStart = now

		path := uniquePath(segmentPath(c.opts.Root, c.opts.Subfolder, now, c.opts.Location), c.exists)
		seg := capture.NewSegment(cur.id, cur.attempts, now, cur.remaining(now), path)

		// Last chance for a graceful stop before a new process starts.
		if c.stopping(loopCtx) {
			return
		}

		c.update(func(s *Snapshot) {
			s.State = StateRecording
			s.MountHealth = health
			s.Backoff = 0
			s.CurrentSegment = &SegmentRef{
				ID:       seg.ID.String(),
				Slot:     seg.Slot,
				Attempt:  seg.Attempt,
				Start:    seg.Start,
				Duration: seg.Duration,
				Path:     seg.Path,
			}
			s.Counters.Attempts++
		})

		res := c.runner.RunSegment(hardCtx, seg)
		if errors.Is(res.Err, capture.ErrBusy) {
			c.rejected(seg, res)
		} else {
			c.resolve(seg, res)
		}

		if res.Status == capture.StatusFinalized {
			camera.Reset()
			cur = nil
			continue
		}

		if c.stopping(loopCtx) {
			return
		}

		if cur.attempts > c.opts.MaxSlotRetries {
			c.exhausted(cur, res)
			cur = nil
			// Widen the camera backoff by one extra step.
			camera.NextBackOff()
			c.wait(loopCtx, camera)
			continue
		}

		if res.Cause == errors.ErrSegmentWriteFailed {
			continue
		}

		c.wait(loopCtx, camera)
	}
}

func (c *Controller) blockOnStorage(ctx context.Context, health storage.MountHealth, b *backoff.ExponentialBackOff) {
	d := b.NextBackOff()
	err := health.Err()

	c.log.Warn().
		Str("error_code", string(errors.ErrMountUnhealthy)).
		Str("reason", string(health.Reason)).
		Str("detail", health.Detail).
		Dur("retry_in", d).
		Msg("Storage not healthy, capture blocked")

	c.update(func(s *Snapshot) {
		s.State = StateStorageBlocked
		s.MountHealth = health
		s.Backoff = d
		s.CurrentSegment = nil
		s.Counters.MountUnhealthy++
		s.LastError = &LastError{Code: errors.ErrMountUnhealthy, Message: err.Error(), At: c.now()}
	})
	c.metrics.IncBackoff("storage")

	_ = c.sleep(ctx, d)
}

func (c *Controller) wait(ctx context.Context, b *backoff.ExponentialBackOff) {
	d := b.NextBackOff()

	c.log.Info().Dur("retry_in", d).Msg("Reconnecting to camera")
	c.update(func(s *Snapshot) {
		s.State = StateReconnecting
		s.Backoff = d
	})
	c.metrics.IncBackoff("camera")

	_ = c.sleep(ctx, d)
}

// resolve records a segment the supervisor finished with.
func (c *Controller) resolve(seg *capture.Segment, res capture.Result) {
	at := c.now()

	entry := &journal.Entry{
		SegmentID:  seg.ID.String(),
		Slot:       seg.Slot,
		Attempt:    seg.Attempt,
		Start:      seg.Start,
		Planned:    seg.Duration,
		Observed:   seg.Observed,
		Bytes:      seg.Bytes,
		Status:     string(seg.Status),
		Cause:      string(seg.Cause),
		Partial:    seg.Partial,
		Path:       seg.Path,
		ResolvedAt: at,
	}
	if err := c.journal.Record(context.Background(), entry); err != nil {
		c.log.Warn().Err(err).Str("segment_id", entry.SegmentID).Msg("Failed to journal segment")
	}
	c.metrics.ObserveSegment(string(seg.Status), string(seg.Cause), seg.Bytes, seg.Observed, at)

	if res.Status == capture.StatusFinalized {
		c.log.Info().
			Str("segment_id", entry.SegmentID).
			Int64("slot", seg.Slot).
			Int("attempt", seg.Attempt).
			Int64("bytes", seg.Bytes).
			Str("path", seg.Path).
			Msg("Segment archived")
	} else {
		ev := c.log.Warn()
		if res.Err != nil {
			ev = ev.Err(res.Err)
		}
		ev.Str("segment_id", entry.SegmentID).
			Int64("slot", seg.Slot).
			Int("attempt", seg.Attempt).
			Str("error_code", string(res.Cause)).
			Bool("partial", seg.Partial).
			Msg("Segment attempt failed")
	}

	c.update(func(s *Snapshot) {
		s.CurrentSegment = nil
		if res.Status == capture.StatusFinalized {
			s.Counters.Finalized++
			s.Counters.BytesWritten += seg.Bytes
			return
		}

		s.Counters.Failed++
		if seg.Partial {
			s.Counters.Partial++
		}
		switch res.Cause {
		case errors.ErrCameraUnreachable:
			s.Counters.CameraUnreachable++
		case errors.ErrSegmentWriteFailed:
			s.Counters.SegmentWriteFailed++
		default:
			s.Counters.ProcessCrashed++
		}

		msg := string(res.Cause)
		if res.Err != nil {
			msg = res.Err.Error()
		}
		s.LastError = &LastError{
			Code:      res.Cause,
			Message:   msg,
			At:        at,
			SegmentID: entry.SegmentID,
			Slot:      seg.Slot,
			Attempt:   seg.Attempt,
		}
	})
}

// rejected handles a second writer being refused. This means two loops
// share one supervisor.
func (c *Controller) rejected(seg *capture.Segment, res capture.Result) {
	c.log.Error().
		Err(res.Err).
		Str("error_code", string(res.Cause)).
		Int64("slot", seg.Slot).
		Msg("Capture supervisor busy, segment not started")

	c.update(func(s *Snapshot) {
		s.CurrentSegment = nil
		s.LastError = &LastError{Code: res.Cause, Message: res.Err.Error(), At: c.now(), Slot: seg.Slot, Attempt: seg.Attempt}
	})
}

func (c *Controller) exhausted(s *slot, res capture.Result) {
	c.log.Error().
		Int64("slot", s.id).
		Int("attempts", s.attempts).
		Str("error_code", string(res.Cause)).
		Msg("Slot retries exhausted, moving to next slot")

	c.update(func(snap *Snapshot) {
		snap.Counters.SlotsExhausted++
		snap.LastError = &LastError{
			Code:    res.Cause,
			Message: "slot retries exhausted after " + string(res.Cause),
			At:      c.now(),
			Slot:    s.id,
			Attempt: s.attempts,
		}
	})
}

// update applies fn to the working state and publishes a copy.
func (c *Controller) update(fn func(*Snapshot)) {
	prev := c.cur.State
	fn(&c.cur)
	c.cur.UpdatedAt = c.now()

	snap := c.cur
	c.snap.Store(&snap)

	if snap.State != prev {
		c.metrics.SetState(string(snap.State), StateNames())
		c.log.Info().
			Str("from", string(prev)).
			Str("to", string(snap.State)).
			Msg("State changed")
	}
}
