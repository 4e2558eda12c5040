package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/recorderd/internal/config"
	"codeberg.org/mutker/recorderd/internal/errors"
	"codeberg.org/mutker/recorderd/internal/journal"
	"codeberg.org/mutker/recorderd/internal/logger"
	"codeberg.org/mutker/recorderd/internal/metrics"
	"codeberg.org/mutker/recorderd/internal/pid"
	"codeberg.org/mutker/recorderd/internal/recorder"
	"codeberg.org/mutker/recorderd/internal/recovery"
	"codeberg.org/mutker/recorderd/internal/status"
	"codeberg.org/mutker/recorderd/internal/storage"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const httpShutdownTimeout = 10 * time.Second

func newRunCmd(v *viper.Viper, flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the capture daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, v, flags)
			if err != nil {
				reportConfigError(cfg, err)
				return err
			}

			if err := logger.Init(loggerOptions(cfg)); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runDaemon(ctx, cfg)
		},
	}

	fs := cmd.Flags()
	fs.String("listen", "", "status HTTP listen address")
	fs.String("status-file", "", "path of the JSON status file")
	fs.String("storage-root", "", "remote mount root")
	fs.String("camera-address", "", "camera host or IP")
	fs.String("ffmpeg", "", "ffmpeg binary")
	fs.String("pid-file", "", "PID file path")
	fs.String("journal", "", "segment journal database path")

	return cmd
}

// reportConfigError logs a configuration failure with whatever logging
// settings could be read.
func reportConfigError(cfg *config.Config, err error) {
	opts := logger.Options{Service: logger.IsService()}
	if cfg != nil {
		opts.Level = cfg.Log.Level
	}
	if logger.Init(opts) != nil {
		_ = logger.Init(logger.Options{Service: opts.Service})
	}

	var appErr errors.Error
	if errors.As(err, &appErr) {
		logger.ErrorWithCode(appErr).Msg("Invalid configuration, not starting")
		return
	}
	logger.Error().Err(err).Msg("Invalid configuration, not starting")
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	logger.Info().
		Str("version", version).
		Str("camera", cfg.Camera.MaskedURL()).
		Str("root", cfg.Storage.Root).
		Dur("segment_duration", cfg.Camera.SegmentDuration()).
		Msg("Starting recorderd")

	if err := pid.Write(cfg.PIDFile); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	guard, err := newGuard(cfg, logger.WithComponent("storage"))
	if err != nil {
		return err
	}

	j, err := journal.New(journalConfig(cfg), logger.WithComponent("journal"))
	if err != nil {
		return err
	}
	defer func() {
		if err := j.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close segment journal")
		}
	}()

	m := metrics.New()

	ctrl := recorder.New(guard, newSupervisor(cfg), recorderOptions(cfg),
		recorder.WithJournal(j),
		recorder.WithMetrics(m),
		recorder.WithLogger(logger.WithComponent("recorder")),
	)
	reporter := status.NewReporter(ctrl, j, m, logger.WithComponent("status"))

	sweepStale(ctx, guard, cfg, m)

	// Status outputs outlive the signal so the final Stopped state is
	// still published; they end once the controller has returned.
	aux, cancelAux := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelAux()

	g, gctx := errgroup.WithContext(aux)
	g.Go(func() error {
		defer cancelAux()
		return ctrl.Run(ctx)
	})
	if cfg.Status.Listen != "" {
		g.Go(func() error {
			return serveStatus(gctx, cfg.Status.Listen, reporter.Router())
		})
	}
	if cfg.Status.File != "" {
		g.Go(func() error {
			return reporter.RunFileWriter(gctx, cfg.Status.File, cfg.Status.FileInterval)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info().Msg("Exiting...")
	return nil
}

// sweepStale quarantines part files a previous run left in the current day
// directories. It only touches the mount when the guard reports it healthy.
func sweepStale(ctx context.Context, guard *storage.Guard, cfg *config.Config, m *metrics.Metrics) {
	health := guard.Check(ctx)
	if !health.Healthy() {
		logger.Warn().
			Str("reason", string(health.Reason)).
			Msg("Storage not healthy, skipping stale part file sweep")
		return
	}

	dirs := recovery.DayDirs(cfg.Storage.Root, cfg.Camera.Subfolder, time.Now())
	n, err := recovery.Sweep(afero.NewOsFs(), dirs, logger.WithComponent("recovery"))
	if err != nil {
		logger.Warn().Err(err).Msg("Stale part file sweep incomplete")
	}
	if n > 0 {
		logger.Info().Int("files", n).Msg("Quarantined stale part files")
	}
	m.AddRecovered(n)
}

// serveStatus serves h until ctx is done. A listener failure is logged
// and does not stop recording.
func serveStatus(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info().Str("listen", addr).Msg("Status server listening")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("listen", addr).Msg("Status server failed, recording continues without it")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Status server shutdown")
	}
	return nil
}
