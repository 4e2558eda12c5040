package capture

import (
	"context"
	"time"
)

// Spec describes one capture process invocation.
type Spec struct {
	URL       string
	Transport string
	IOTimeout time.Duration
	Duration  time.Duration
	Output    string
}

// Launcher starts capture processes.
type Launcher interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// Process is a running capture process.
type Process interface {
	Pid() int
	// Exited is closed once the process has been reaped.
	Exited() <-chan struct{}
	// ExitErr is the wait error, nil for a clean exit. Valid after Exited.
	ExitErr() error
	// Terminate asks the process group to stop and kills it after grace.
	Terminate(grace time.Duration)
	// Kill kills the process group immediately.
	Kill()
	// Diagnostics returns the most recent stderr lines.
	Diagnostics() []string
}

// Prober measures the playable duration of a finished recording.
type Prober interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
}
