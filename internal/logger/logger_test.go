package logger_test

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/recorderd/internal/errors"
	"codeberg.org/mutker/recorderd/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logger.LogLevel
	}{
		{"", logger.InfoLevel},
		{"debug", logger.DebugLevel},
		{"WARNING", logger.WarnLevel},
		{"warn", logger.WarnLevel},
		{" error ", logger.ErrorLevel},
	}

	for _, tt := range tests {
		got, err := logger.ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := logger.ParseLevel("loud")
	require.Error(t, err)
	assert.Equal(t, errors.ErrInvalidLogLevel, errors.CodeOf(err))
}

func TestInitWritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, logger.Init(logger.Options{Level: "debug", Output: &buf}))

	l := logger.WithComponent("storage")
	l.Info().Str("reason", "low-space").Msg("mount check")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "storage", line["component"])
	assert.Equal(t, "low-space", line["reason"])
	assert.Equal(t, "recorderd", line["service"])
}

func TestErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, logger.Init(logger.Options{Level: "info", Output: &buf}))

	logger.ErrorWithCode(errors.New().New(errors.ErrCameraUnreachable)).Msg("attempt failed")

	assert.Contains(t, buf.String(), `"error_code":"camera_unreachable"`)
}

func TestInitWithFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "recorderd.log")
	require.NoError(t, logger.Init(logger.Options{Output: &buf, File: path, MaxSizeMB: 1}))

	logger.Info().Msg("hello")
	assert.FileExists(t, path)
}

func TestInitRejectsBadLevel(t *testing.T) {
	err := logger.Init(logger.Options{Level: "chatty"})
	require.Error(t, err)
}
