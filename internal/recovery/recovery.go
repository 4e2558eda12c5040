// Package recovery quarantines recordings left behind by an earlier run.
package recovery

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/recorderd/internal/capture"
	"codeberg.org/mutker/recorderd/internal/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Sweep renames every *.part file directly under dirs to *.partial. A part
// file is never promoted to a finished segment: whoever wrote it did not
// verify it. Missing directories are skipped. Sweep returns the number of
// files quarantined; failures on single files are logged and joined.
func Sweep(fs afero.Fs, dirs []string, log zerolog.Logger) (int, error) {
	var (
		moved int
		errs  []error
	)

	for _, dir := range dirs {
		entries, err := afero.ReadDir(fs, dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, errors.New().Wrap(ErrSweepFailed, err))
			continue
		}

		for _, entry := range entries {
			if !entry.Mode().IsRegular() || !strings.HasSuffix(entry.Name(), capture.PartSuffix) {
				continue
			}

			part := filepath.Join(dir, entry.Name())
			final := strings.TrimSuffix(part, capture.PartSuffix)

			if entry.Size() == 0 {
				if err := fs.Remove(part); err != nil {
					errs = append(errs, errors.New().Wrap(ErrSweepFailed, err))
					continue
				}
				log.Info().Str("path", part).Msg("Removed empty stale part file")
				continue
			}

			target := quarantinePath(fs, final)
			if err := fs.Rename(part, target); err != nil {
				errs = append(errs, errors.New().Wrap(ErrSweepFailed, err))
				continue
			}
			moved++

			log.Warn().
				Str("path", target).
				Int64("bytes", entry.Size()).
				Msg("Quarantined stale part file from a previous run")
		}
	}

	return moved, errors.Join(errs...)
}

// quarantinePath picks a .partial name that does not overwrite an earlier
// quarantined file.
func quarantinePath(fs afero.Fs, final string) string {
	candidate := final + capture.PartialSuffix
	for i := 2; exists(fs, candidate); i++ {
		candidate = final + "." + strconv.Itoa(i) + capture.PartialSuffix
	}
	return candidate
}

func exists(fs afero.Fs, path string) bool {
	ok, err := afero.Exists(fs, path)
	return err == nil && ok
}

// DayDirs returns the day directories a run around now may have written to:
// yesterday and today, to cover segments spanning midnight.
func DayDirs(root, subfolder string, now time.Time) []string {
	base := filepath.Join(root, filepath.FromSlash(subfolder))
	return []string{
		filepath.Join(base, filepath.FromSlash(now.AddDate(0, 0, -1).Format("2006/01/02"))),
		filepath.Join(base, filepath.FromSlash(now.Format("2006/01/02"))),
	}
}
