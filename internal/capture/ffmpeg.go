package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultDiagnosticLines = 50

// FFmpeg launches ffmpeg to copy an RTSP stream into an MP4 file.
type FFmpeg struct {
	Binary          string
	DiagnosticLines int
	Logger          zerolog.Logger
}

var _ Launcher = (*FFmpeg)(nil)

func NewFFmpeg(binary string, diagnosticLines int, logger zerolog.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	if diagnosticLines <= 0 {
		diagnosticLines = defaultDiagnosticLines
	}
	return &FFmpeg{
		Binary:          binary,
		DiagnosticLines: diagnosticLines,
		Logger:          logger,
	}
}

// Args builds the ffmpeg command line for spec.
func Args(spec Spec) []string {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-rtsp_transport", spec.Transport,
	}
	if spec.IOTimeout > 0 {
		args = append(args, "-rw_timeout", strconv.FormatInt(spec.IOTimeout.Microseconds(), 10))
	}
	args = append(args,
		"-i", spec.URL,
		"-t", strconv.FormatFloat(spec.Duration.Seconds(), 'f', 3, 64),
		"-c", "copy",
		"-map", "0",
		"-f", "mp4",
		"-movflags", "+faststart",
		"-y",
		spec.Output,
	)
	return args
}

// Start runs ffmpeg in its own process group. The process is not bound
// to ctx; its lifetime is managed through the returned Process.
func (f *FFmpeg) Start(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(f.Binary, Args(spec)...)
	setProcessGroup(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec start failed: %w", err)
	}

	p := &ffmpegProcess{
		cmd:    cmd,
		ring:   NewRingBuffer(f.DiagnosticLines),
		exited: make(chan struct{}),
		log:    f.Logger.With().Int("pid", cmd.Process.Pid).Logger(),
	}
	go p.monitor(stderr)

	return p, nil
}

type ffmpegProcess struct {
	cmd    *exec.Cmd
	ring   *RingBuffer
	exited chan struct{}
	log    zerolog.Logger

	mu  sync.Mutex
	err error
}

func (p *ffmpegProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *ffmpegProcess) Exited() <-chan struct{} {
	return p.exited
}

func (p *ffmpegProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *ffmpegProcess) Terminate(grace time.Duration) {
	p.log.Debug().Msg("Sending SIGTERM to capture process group")
	signalGroup(p.Pid(), sigTerm)

	time.AfterFunc(grace, func() {
		select {
		case <-p.exited:
		default:
			p.log.Warn().Dur("grace", grace).Msg("Grace period exceeded, killing capture process group")
			signalGroup(p.Pid(), sigKill)
		}
	})
}

func (p *ffmpegProcess) Kill() {
	signalGroup(p.Pid(), sigKill)
}

func (p *ffmpegProcess) Diagnostics() []string {
	return p.ring.Lines()
}

func (p *ffmpegProcess) monitor(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		p.ring.Add(line)
		p.log.Debug().Str("line", line).Msg("ffmpeg")
	}

	err := p.cmd.Wait()

	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.exited)
}
