package main

import (
	"os/exec"
	"time"

	"codeberg.org/mutker/recorderd/internal/capture"
	"codeberg.org/mutker/recorderd/internal/config"
	"codeberg.org/mutker/recorderd/internal/journal"
	"codeberg.org/mutker/recorderd/internal/logger"
	"codeberg.org/mutker/recorderd/internal/recorder"
	"codeberg.org/mutker/recorderd/internal/storage"
	"github.com/rs/zerolog"
)

func newGuard(cfg *config.Config, log zerolog.Logger) (*storage.Guard, error) {
	types, err := storage.ParseFSTypes(cfg.Storage.FSTypes)
	if err != nil {
		return nil, err
	}

	return storage.NewGuard(nil, storage.Options{
		Root: cfg.Storage.Root,
		Discriminator: storage.Discriminator{
			MarkerFile:        cfg.Storage.MarkerFile,
			FSTypes:           types,
			RequireMountPoint: cfg.Storage.RequireMountPoint,
		},
		MinFreeBytes: cfg.Storage.MinFreeBytes,
		ProbeTimeout: cfg.Storage.ProbeTimeout,
	}, log), nil
}

func newSupervisor(cfg *config.Config) *capture.Supervisor {
	log := logger.WithComponent("capture")
	launcher := capture.NewFFmpeg(cfg.Capture.FFmpegPath, cfg.Capture.DiagnosticLines, log)

	var prober capture.Prober
	if cfg.Capture.FFprobePath != "" {
		if path, err := exec.LookPath(cfg.Capture.FFprobePath); err == nil {
			prober = &capture.FFprobe{Binary: path}
		} else {
			logger.Warn().Err(err).Msg("ffprobe not found, segments are checked by size only")
		}
	}

	return capture.NewSupervisor(launcher, prober, capture.Options{
		Source: capture.Source{
			URL:       cfg.Camera.RTSPURL(),
			MaskedURL: cfg.Camera.MaskedURL(),
			Transport: cfg.Camera.Transport,
			IOTimeout: cfg.Capture.IOTimeout,
		},
		Grace:            cfg.Capture.Grace,
		KillGrace:        cfg.Capture.KillGrace,
		MinSegmentBytes:  cfg.Capture.MinSegmentBytes,
		MinDurationRatio: cfg.Capture.MinDurationRatio,
	}, log)
}

func journalConfig(cfg *config.Config) journal.Config {
	jc := journal.DefaultConfig()
	jc.Enabled = cfg.Journal.Enabled
	jc.Path = cfg.Journal.Path
	jc.BatchSize = cfg.Journal.BatchSize
	jc.FlushInterval = cfg.Journal.FlushInterval
	return jc
}

func recorderOptions(cfg *config.Config) recorder.Options {
	return recorder.Options{
		Root:            cfg.Storage.Root,
		Subfolder:       cfg.Camera.Subfolder,
		SegmentDuration: cfg.Camera.SegmentDuration(),
		AlignToClock:    cfg.Recorder.AlignToClock,
		MinAttempt:      cfg.Recorder.MinAttempt,
		MaxSlotRetries:  cfg.Recorder.MaxSlotRetries,
		CameraBackoff: recorder.BackoffPolicy{
			Initial: cfg.Recorder.CameraBackoffInitial,
			Max:     cfg.Recorder.CameraBackoffMax,
		},
		StorageBackoff: recorder.BackoffPolicy{
			Initial: cfg.Recorder.StorageBackoffInitial,
			Max:     cfg.Recorder.StorageBackoffMax,
		},
		ShutdownTimeout: cfg.ShutdownTimeout(),
		Location:        time.Local,
	}
}

func loggerOptions(cfg *config.Config) logger.Options {
	return logger.Options{
		Level:      cfg.Log.Level,
		Service:    logger.IsService(),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
}
