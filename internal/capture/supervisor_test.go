package capture_test

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/recorderd/internal/capture"
	"codeberg.org/mutker/recorderd/internal/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProcess struct {
	exited     chan struct{}
	once       sync.Once
	err        error
	diag       []string
	terminated bool
	killed     bool
	// stuck processes ignore signals, like one blocked on a dead mount.
	stuck bool
	mu    sync.Mutex
}

func newFakeProcess(diag ...string) *fakeProcess {
	return &fakeProcess{exited: make(chan struct{}), diag: diag}
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.exited)
	})
}

func (p *fakeProcess) Pid() int                { return 4242 }
func (p *fakeProcess) Exited() <-chan struct{} { return p.exited }
func (p *fakeProcess) ExitErr() error          { return p.err }
func (p *fakeProcess) Diagnostics() []string   { return p.diag }

func (p *fakeProcess) Terminate(time.Duration) {
	p.mu.Lock()
	p.terminated = true
	stuck := p.stuck
	p.mu.Unlock()
	if !stuck {
		p.exit(stderrors.New("signal: terminated"))
	}
}

func (p *fakeProcess) Kill() {
	p.mu.Lock()
	p.killed = true
	stuck := p.stuck
	p.mu.Unlock()
	if !stuck {
		p.exit(stderrors.New("signal: killed"))
	}
}

// fakeLauncher runs script for every start, in place of the process body.
type fakeLauncher struct {
	mu      sync.Mutex
	specs   []capture.Spec
	started chan *fakeProcess
	script  func(spec capture.Spec, p *fakeProcess)
	err     error
}

func newFakeLauncher(script func(spec capture.Spec, p *fakeProcess)) *fakeLauncher {
	return &fakeLauncher{started: make(chan *fakeProcess, 8), script: script}
}

func (l *fakeLauncher) Start(_ context.Context, spec capture.Spec) (capture.Process, error) {
	l.mu.Lock()
	l.specs = append(l.specs, spec)
	l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}

	p := newFakeProcess()
	if l.script != nil {
		l.script(spec, p)
	}
	l.started <- p
	return p, nil
}

func (l *fakeLauncher) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

type fakeProber struct {
	d   time.Duration
	err error
}

func (p fakeProber) Duration(context.Context, string) (time.Duration, error) {
	return p.d, p.err
}

func writeOutput(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
}

func testOptions() capture.Options {
	return capture.Options{
		Source:           capture.Source{URL: "rtsp://cam/stream", MaskedURL: "rtsp://cam/stream", Transport: "tcp"},
		Grace:            50 * time.Millisecond,
		KillGrace:        20 * time.Millisecond,
		MinSegmentBytes:  1024,
		MinDurationRatio: 0.5,
	}
}

func newSegment(t *testing.T, d time.Duration) *capture.Segment {
	t.Helper()
	path := filepath.Join(t.TempDir(), "2026", "10", "19", "PM-03-04-05.mp4")
	return capture.NewSegment(1, 1, time.Now(), d, path)
}

func TestRunSegmentFinalized(t *testing.T) {
	launcher := newFakeLauncher(func(spec capture.Spec, p *fakeProcess) {
		writeOutput(t, spec.Output, 4096)
		p.exit(nil)
	})
	sup := capture.NewSupervisor(launcher, fakeProber{d: time.Second}, testOptions(), zerolog.Nop())
	seg := newSegment(t, time.Second)

	res := sup.RunSegment(context.Background(), seg)

	require.NoError(t, res.Err)
	assert.Equal(t, capture.StatusFinalized, res.Status)
	assert.Equal(t, capture.StatusFinalized, seg.Status)
	assert.Equal(t, int64(4096), seg.Bytes)
	assert.Equal(t, time.Second, seg.Observed)
	assert.FileExists(t, seg.Path)
	assert.NoFileExists(t, seg.PartPath())
	assert.False(t, sup.Busy())

	require.Len(t, launcher.specs, 1)
	assert.Equal(t, seg.PartPath(), launcher.specs[0].Output)
	assert.Equal(t, time.Second, launcher.specs[0].Duration)
}

func TestRunSegmentTinyOutputIsWriteFailure(t *testing.T) {
	launcher := newFakeLauncher(func(spec capture.Spec, p *fakeProcess) {
		writeOutput(t, spec.Output, 10)
		p.exit(nil)
	})
	sup := capture.NewSupervisor(launcher, nil, testOptions(), zerolog.Nop())
	seg := newSegment(t, time.Second)

	res := sup.RunSegment(context.Background(), seg)

	assert.Equal(t, capture.StatusFailed, res.Status)
	assert.Equal(t, errors.ErrSegmentWriteFailed, res.Cause)
	assert.Equal(t, errors.ErrSegmentWriteFailed, errors.CodeOf(res.Err))
	assert.NoFileExists(t, seg.Path)
	assert.NoFileExists(t, seg.PartPath())
}

func TestRunSegmentMissingOutputIsWriteFailure(t *testing.T) {
	launcher := newFakeLauncher(func(_ capture.Spec, p *fakeProcess) { p.exit(nil) })
	sup := capture.NewSupervisor(launcher, nil, testOptions(), zerolog.Nop())
	seg := newSegment(t, time.Second)

	res := sup.RunSegment(context.Background(), seg)
	assert.Equal(t, errors.ErrSegmentWriteFailed, res.Cause)
}

func TestRunSegmentShortDurationIsWriteFailure(t *testing.T) {
	launcher := newFakeLauncher(func(spec capture.Spec, p *fakeProcess) {
		writeOutput(t, spec.Output, 4096)
		p.exit(nil)
	})
	sup := capture.NewSupervisor(launcher, fakeProber{d: 100 * time.Millisecond}, testOptions(), zerolog.Nop())
	seg := newSegment(t, time.Second)

	res := sup.RunSegment(context.Background(), seg)
	assert.Equal(t, errors.ErrSegmentWriteFailed, res.Cause)
	assert.NoFileExists(t, seg.Path)
	assert.NoFileExists(t, seg.PartPath())

	launcher = newFakeLauncher(func(spec capture.Spec, p *fakeProcess) {
		writeOutput(t, spec.Output, 4096)
		p.exit(nil)
	})
	sup = capture.NewSupervisor(launcher, fakeProber{err: stderrors.New("moov atom not found")}, testOptions(), zerolog.Nop())
	res = sup.RunSegment(context.Background(), newSegment(t, time.Second))
	assert.Equal(t, errors.ErrSegmentWriteFailed, res.Cause)
}

func TestRunSegmentClassifiesExitFailures(t *testing.T) {
	tests := []struct {
		name  string
		diag  []string
		cause errors.ErrorCode
	}{
		{
			name:  "camera refused",
			diag:  []string{"[tcp @ 0x55] Connection to tcp://192.168.1.20:554 failed: Connection refused"},
			cause: errors.ErrCameraUnreachable,
		},
		{
			name:  "unauthorized",
			diag:  []string{"method DESCRIBE failed: 401 Unauthorized"},
			cause: errors.ErrCameraUnreachable,
		},
		{
			name:  "muxer crash",
			diag:  []string{"Invalid data found when processing input"},
			cause: errors.ErrProcessCrashed,
		},
		{
			name:  "no output at all",
			cause: errors.ErrProcessCrashed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			launcher := newFakeLauncher(func(spec capture.Spec, p *fakeProcess) {
				p.diag = tt.diag
				p.exit(stderrors.New("exit status 1"))
			})
			sup := capture.NewSupervisor(launcher, nil, testOptions(), zerolog.Nop())
			seg := newSegment(t, time.Second)

			res := sup.RunSegment(context.Background(), seg)
			assert.Equal(t, capture.StatusFailed, res.Status)
			assert.Equal(t, tt.cause, res.Cause)
			assert.Equal(t, tt.cause, seg.Cause)
			assert.NoFileExists(t, seg.Path)
		})
	}
}

func TestRunSegmentCrashKeepsPartialData(t *testing.T) {
	launcher := newFakeLauncher(func(spec capture.Spec, p *fakeProcess) {
		writeOutput(t, spec.Output, 2048)
		p.exit(stderrors.New("exit status 255"))
	})
	sup := capture.NewSupervisor(launcher, nil, testOptions(), zerolog.Nop())
	seg := newSegment(t, time.Second)

	res := sup.RunSegment(context.Background(), seg)
	assert.Equal(t, errors.ErrProcessCrashed, res.Cause)
	assert.True(t, seg.Partial)
	assert.FileExists(t, seg.PartialPath())
	assert.NoFileExists(t, seg.PartPath())
	assert.NoFileExists(t, seg.Path)
}

func TestRunSegmentHangIsTerminated(t *testing.T) {
	var proc *fakeProcess
	launcher := newFakeLauncher(func(_ capture.Spec, p *fakeProcess) {
		p.diag = []string{"rtsp: connection timed out"}
		proc = p
	})
	sup := capture.NewSupervisor(launcher, nil, testOptions(), zerolog.Nop())
	seg := newSegment(t, 20*time.Millisecond)

	start := time.Now()
	res := sup.RunSegment(context.Background(), seg)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, errors.ErrCameraUnreachable, res.Cause)
	assert.True(t, proc.terminated)
}

func TestUnreapedProcessBlocksNextSegment(t *testing.T) {
	var first *fakeProcess
	launcher := newFakeLauncher(func(spec capture.Spec, p *fakeProcess) {
		if first == nil {
			p.stuck = true
			first = p
			return
		}
		writeOutput(t, spec.Output, 4096)
		p.exit(nil)
	})
	sup := capture.NewSupervisor(launcher, nil, testOptions(), zerolog.Nop())

	res := sup.RunSegment(context.Background(), newSegment(t, 20*time.Millisecond))
	assert.Equal(t, capture.StatusFailed, res.Status)
	assert.True(t, first.terminated)
	assert.False(t, sup.Busy())

	seg := newSegment(t, time.Second)
	res = sup.RunSegment(context.Background(), seg)
	assert.Equal(t, capture.StatusFailed, res.Status)
	assert.Equal(t, capture.ErrCaptureOrphaned, res.Cause)
	assert.Equal(t, capture.ErrCaptureOrphaned, errors.CodeOf(res.Err))
	assert.Equal(t, capture.ErrCaptureOrphaned, seg.Cause)
	assert.True(t, first.killed)
	assert.Equal(t, 1, launcher.calls(), "no second writer while the first is alive")

	first.exit(stderrors.New("signal: killed"))

	res = sup.RunSegment(context.Background(), newSegment(t, time.Second))
	require.NoError(t, res.Err)
	assert.Equal(t, capture.StatusFinalized, res.Status)
	assert.Equal(t, 2, launcher.calls())
}

func TestKillFlagsPartial(t *testing.T) {
	launcher := newFakeLauncher(func(spec capture.Spec, _ *fakeProcess) {
		writeOutput(t, spec.Output, 8192)
	})
	sup := capture.NewSupervisor(launcher, nil, testOptions(), zerolog.Nop())
	seg := newSegment(t, time.Hour)

	done := make(chan capture.Result, 1)
	go func() { done <- sup.RunSegment(context.Background(), seg) }()

	proc := <-launcher.started
	sup.Kill()
	res := <-done

	assert.True(t, proc.killed)
	assert.Equal(t, capture.StatusFailed, res.Status)
	assert.Equal(t, errors.ErrProcessCrashed, res.Cause)
	assert.True(t, seg.Partial)
	assert.FileExists(t, seg.PartialPath())
	assert.NoFileExists(t, seg.Path)
}

func TestContextCancelActsAsKill(t *testing.T) {
	launcher := newFakeLauncher(nil)
	sup := capture.NewSupervisor(launcher, nil, testOptions(), zerolog.Nop())
	seg := newSegment(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan capture.Result, 1)
	go func() { done <- sup.RunSegment(ctx, seg) }()

	proc := <-launcher.started
	cancel()
	res := <-done

	assert.True(t, proc.killed)
	assert.Equal(t, errors.ErrProcessCrashed, res.Cause)
}

func TestConcurrentRunSegmentIsRejected(t *testing.T) {
	launcher := newFakeLauncher(nil)
	sup := capture.NewSupervisor(launcher, nil, testOptions(), zerolog.Nop())
	first := newSegment(t, time.Hour)

	done := make(chan capture.Result, 1)
	go func() { done <- sup.RunSegment(context.Background(), first) }()
	proc := <-launcher.started
	require.True(t, sup.Busy())

	second := newSegment(t, time.Hour)
	res := sup.RunSegment(context.Background(), second)

	assert.True(t, errors.Is(res.Err, capture.ErrBusy))
	assert.Equal(t, capture.ErrCaptureBusy, errors.CodeOf(res.Err))
	assert.Equal(t, capture.StatusPending, second.Status)
	assert.Equal(t, 1, launcher.calls())

	proc.exit(stderrors.New("exit status 1"))
	<-done
	assert.False(t, sup.Busy())
}

func TestStartFailureIsCrash(t *testing.T) {
	launcher := newFakeLauncher(nil)
	launcher.err = stderrors.New(`exec: "ffmpeg": executable file not found in $PATH`)
	sup := capture.NewSupervisor(launcher, nil, testOptions(), zerolog.Nop())

	res := sup.RunSegment(context.Background(), newSegment(t, time.Second))
	assert.Equal(t, errors.ErrProcessCrashed, res.Cause)
}

func TestCancelledBeforeStart(t *testing.T) {
	launcher := newFakeLauncher(nil)
	sup := capture.NewSupervisor(launcher, nil, testOptions(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := sup.RunSegment(ctx, newSegment(t, time.Second))
	assert.Equal(t, capture.StatusFailed, res.Status)
	assert.Equal(t, 0, launcher.calls())
}
