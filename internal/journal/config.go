package journal

import (
	"path/filepath"
	"time"

	"codeberg.org/mutker/recorderd/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm       = 0o755
	defaultPath          = "/var/lib/recorderd/journal.db"
	defaultBatchSize     = 10
	defaultFlushInterval = 10 * time.Second
)

type Config struct {
	Enabled       bool
	Path          string
	BatchSize     int
	FlushInterval time.Duration
	// BackupDir receives a copy of the database before a schema reset.
	// Empty means a "backups" directory next to Path.
	BackupDir string
}

func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Path:          defaultPath,
		BatchSize:     defaultBatchSize,
		FlushInterval: defaultFlushInterval,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate Path if the journal is enabled
	if c.Enabled && c.Path == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 {
		return errFactory.WithData(ErrInvalidConfig, "batch size must not be negative")
	}
	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(filepath.Dir(c.Path), "backups")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
