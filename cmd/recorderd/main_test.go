package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/recorderd/internal/config"
	"codeberg.org/mutker/recorderd/internal/errors"
	"codeberg.org/mutker/recorderd/internal/storage"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "recorderd dev\n", out.String())
}

func TestCheckMountRejectsLocalDirectory(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{
		"check-mount",
		"--config", writeConfig(t, `
[storage]
marker_file = ".recorderd-remote"
fs_types = []
require_mount_point = false
min_free_bytes = 0
`),
		"--storage-root", t.TempDir(),
	})

	err := root.Execute()
	require.Error(t, err)
	assert.Equal(t, errors.ErrMountUnhealthy, errors.CodeOf(err))

	var health storage.MountHealth
	require.NoError(t, json.Unmarshal(out.Bytes(), &health))
	assert.Equal(t, storage.StatusDegraded, health.Status)
	assert.Equal(t, storage.ReasonLocalFallbackDetected, health.Reason)
}

func TestCheckMountMissingRoot(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{
		"check-mount",
		"--config", writeConfig(t, ""),
		"--storage-root", filepath.Join(t.TempDir(), "missing"),
	})

	require.Error(t, root.Execute())

	var health storage.MountHealth
	require.NoError(t, json.Unmarshal(out.Bytes(), &health))
	assert.Equal(t, storage.ReasonMountMissing, health.Reason)
}

func TestRecorderOptionsFromConfig(t *testing.T) {
	v := viper.New()
	cfg, err := config.Load(v, config.WithConfigFile(writeConfig(t, `
[camera]
address = "192.168.1.50"
segment_seconds = 600
subfolder = "Other/CatCam"

[storage]
root = "/mnt/box"
`)))
	require.NoError(t, err)

	opts := recorderOptions(cfg)
	require.NoError(t, opts.Validate())
	assert.Equal(t, "/mnt/box", opts.Root)
	assert.Equal(t, "Other/CatCam", opts.Subfolder)
	assert.Equal(t, 10*time.Minute, opts.SegmentDuration)
	assert.Equal(t, 10*time.Minute+30*time.Second, opts.ShutdownTimeout)
	assert.Equal(t, time.Second, opts.CameraBackoff.Initial)
	assert.Equal(t, 5*time.Minute, opts.CameraBackoff.Max)

	jc := journalConfig(cfg)
	assert.NoError(t, jc.Validate())
	assert.Equal(t, cfg.Journal.Path, jc.Path)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recorderd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}
