package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const DefaultProbeTimeout = 5 * time.Second

// Options configures a Guard.
type Options struct {
	Root          string
	Discriminator Discriminator
	MinFreeBytes  uint64
	ProbeTimeout  time.Duration
}

// Guard decides whether the remote mount is safe to write to. It never
// modifies the filesystem.
type Guard struct {
	fs   Filesystem
	opts Options
	log  zerolog.Logger
	now  func() time.Time
}

// NewGuard creates a guard over fs. A nil fs probes the real filesystem.
func NewGuard(fs Filesystem, opts Options, log zerolog.Logger) *Guard {
	if fs == nil {
		fs = OSFilesystem{}
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}

	return &Guard{
		fs:   fs,
		opts: opts,
		log:  log,
		now:  time.Now,
	}
}

// Root returns the mount root being guarded.
func (g *Guard) Root() string {
	return g.opts.Root
}

// Check probes the mount within the probe timeout. A probe that does not
// return in time is abandoned and reported as Unknown, as is one cut short
// by ctx.
func (g *Guard) Check(ctx context.Context) MountHealth {
	result := make(chan MountHealth, 1)
	go func() {
		result <- g.probe()
	}()

	timer := time.NewTimer(g.opts.ProbeTimeout)
	defer timer.Stop()

	select {
	case h := <-result:
		return h
	case <-timer.C:
		g.log.Warn().
			Str("root", g.opts.Root).
			Dur("timeout", g.opts.ProbeTimeout).
			Msg("Mount probe timed out")
		return MountHealth{
			Status:    StatusUnknown,
			Reason:    ReasonProbeTimeout,
			Detail:    "probe did not return within " + g.opts.ProbeTimeout.String(),
			CheckedAt: g.now(),
		}
	case <-ctx.Done():
		return MountHealth{
			Status:    StatusUnknown,
			Reason:    ReasonCancelled,
			Detail:    ctx.Err().Error(),
			CheckedAt: g.now(),
		}
	}
}

func (g *Guard) probe() MountHealth {
	root := g.opts.Root
	degraded := func(reason Reason, detail string, free uint64) MountHealth {
		return MountHealth{
			Status:    StatusDegraded,
			Reason:    reason,
			Detail:    detail,
			FreeBytes: free,
			CheckedAt: g.now(),
		}
	}

	fi, err := g.fs.Stat(root)
	if err != nil {
		return degraded(ReasonMountMissing, err.Error(), 0)
	}
	if !fi.IsDir() {
		return degraded(ReasonMountMissing, root+" is not a directory", 0)
	}

	if ok, detail := IsRemoteMount(g.fs, root, g.opts.Discriminator); !ok {
		return degraded(ReasonLocalFallbackDetected, detail, 0)
	}

	info, err := g.fs.Statfs(root)
	if err != nil {
		return degraded(ReasonMountMissing, "statfs: "+err.Error(), 0)
	}
	free := info.Free()
	if free < g.opts.MinFreeBytes {
		return degraded(ReasonLowSpace, "free space below threshold", free)
	}

	return MountHealth{
		Status:    StatusHealthy,
		FreeBytes: free,
		CheckedAt: g.now(),
	}
}
