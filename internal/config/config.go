package config

import (
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/recorderd/internal/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix  = "RECORDERD"
	DefaultConfigName = "recorderd"
	DefaultLogLevel   = LogLevelInfo
)

type Config struct {
	Camera   Camera   `mapstructure:"camera"`
	Storage  Storage  `mapstructure:"storage"`
	Capture  Capture  `mapstructure:"capture"`
	Recorder Recorder `mapstructure:"recorder"`
	Status   Status   `mapstructure:"status"`
	Journal  Journal  `mapstructure:"journal"`
	Log      Log      `mapstructure:"log"`
	PIDFile  string   `mapstructure:"pid_file"`
}

// Camera describes the RTSP source. Immutable for the lifetime of a run.
type Camera struct {
	Address        string `mapstructure:"address"`
	Port           int    `mapstructure:"port"`
	StreamPath     string `mapstructure:"stream_path"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	Transport      string `mapstructure:"transport"`
	SegmentSeconds int    `mapstructure:"segment_seconds"`
	Subfolder      string `mapstructure:"subfolder"`
}

type Storage struct {
	Root              string        `mapstructure:"root"`
	MarkerFile        string        `mapstructure:"marker_file"`
	FSTypes           []string      `mapstructure:"fs_types"`
	RequireMountPoint bool          `mapstructure:"require_mount_point"`
	MinFreeBytes      uint64        `mapstructure:"min_free_bytes"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
}

type Capture struct {
	FFmpegPath       string        `mapstructure:"ffmpeg_path"`
	FFprobePath      string        `mapstructure:"ffprobe_path"`
	IOTimeout        time.Duration `mapstructure:"io_timeout"`
	Grace            time.Duration `mapstructure:"grace"`
	KillGrace        time.Duration `mapstructure:"kill_grace"`
	MinSegmentBytes  int64         `mapstructure:"min_segment_bytes"`
	MinDurationRatio float64       `mapstructure:"min_duration_ratio"`
	DiagnosticLines  int           `mapstructure:"diagnostic_lines"`
}

type Recorder struct {
	AlignToClock          bool          `mapstructure:"align_to_clock"`
	MinAttempt            time.Duration `mapstructure:"min_attempt"`
	MaxSlotRetries        int           `mapstructure:"max_slot_retries"`
	CameraBackoffInitial  time.Duration `mapstructure:"camera_backoff_initial"`
	CameraBackoffMax      time.Duration `mapstructure:"camera_backoff_max"`
	StorageBackoffInitial time.Duration `mapstructure:"storage_backoff_initial"`
	StorageBackoffMax     time.Duration `mapstructure:"storage_backoff_max"`
	// ShutdownTimeout of zero means segment duration plus capture grace.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type Status struct {
	Listen       string        `mapstructure:"listen"`
	File         string        `mapstructure:"file"`
	FileInterval time.Duration `mapstructure:"file_interval"`
}

type Journal struct {
	Enabled       bool          `mapstructure:"enabled"`
	Path          string        `mapstructure:"path"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type Log struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

var defaults = map[string]any{
	"camera.address":         "",
	"camera.port":            554,
	"camera.stream_path":     "h264Preview_01_main",
	"camera.username":        "",
	"camera.password":        "",
	"camera.transport":       "tcp",
	"camera.segment_seconds": 900,
	"camera.subfolder":       "Other/CatCam",

	"storage.root":                "/mnt/box",
	"storage.marker_file":         ".recorderd-remote",
	"storage.fs_types":            []string{"fuse"},
	"storage.require_mount_point": true,
	"storage.min_free_bytes":      uint64(2 << 30),
	"storage.probe_timeout":       5 * time.Second,

	"capture.ffmpeg_path":        "ffmpeg",
	"capture.ffprobe_path":       "ffprobe",
	"capture.io_timeout":         10 * time.Second,
	"capture.grace":              30 * time.Second,
	"capture.kill_grace":         5 * time.Second,
	"capture.min_segment_bytes":  int64(64 << 10),
	"capture.min_duration_ratio": 0.5,
	"capture.diagnostic_lines":   50,

	"recorder.align_to_clock":          true,
	"recorder.min_attempt":             5 * time.Second,
	"recorder.max_slot_retries":        3,
	"recorder.camera_backoff_initial":  time.Second,
	"recorder.camera_backoff_max":      5 * time.Minute,
	"recorder.storage_backoff_initial": 5 * time.Second,
	"recorder.storage_backoff_max":     time.Minute,
	"recorder.shutdown_timeout":        time.Duration(0),

	"status.listen":        "127.0.0.1:9130",
	"status.file":          "",
	"status.file_interval": 5 * time.Second,

	"journal.enabled":        true,
	"journal.path":           "/var/lib/recorderd/journal.db",
	"journal.batch_size":     10,
	"journal.flush_interval": 10 * time.Second,

	"log.level":        string(DefaultLogLevel),
	"log.file":         "",
	"log.max_size_mb":  50,
	"log.max_backups":  3,
	"log.max_age_days": 28,

	"pid_file": filepath.Join(os.TempDir(), "recorderd.pid"),
}

// legacyEnv maps settings.env and container variable names to
// configuration keys.
var legacyEnv = map[string]string{
	"CAMERA_IP":    "camera.address",
	"CAMERA_USER":  "camera.username",
	"CAMERA_PASS":  "camera.password",
	"SEGMENT_TIME": "camera.segment_seconds",
	"SUBFOLDER":    "camera.subfolder",
	"BOX_ROOT":     "storage.root",
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"log-level":      "log.level",
	"listen":         "status.listen",
	"status-file":    "status.file",
	"storage-root":   "storage.root",
	"camera-address": "camera.address",
	"ffmpeg":         "capture.ffmpeg_path",
	"pid-file":       "pid_file",
	"journal":        "journal.path",
}

// BindFlags binds the known flags present in fs so they take precedence
// over every other source.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.New().Wrap(errors.ErrBindFlags, err).WithData(name)
		}
	}

	return nil
}

// Load reads configuration with the precedence flags > env > settings.env
// > config file > defaults, and validates the result.
func Load(v *viper.Viper, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
		}
	}

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := readConfigFile(v, o.configPath); err != nil {
		return nil, err
	}

	if o.settingsPath != "" {
		if err := mergeSettings(v, o.settingsPath); err != nil {
			return nil, err
		}
	}

	bindEnv(v, o.envPrefix)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath("/etc/recorderd")
		v.AddConfigPath(".")
	}
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return errors.New().Wrap(errors.ErrReadConfig, err)
	}

	return nil
}

func mergeSettings(v *viper.Viper, path string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		return errors.New().Wrap(errors.ErrReadSettings, err)
	}

	merged := map[string]any{}
	for name, value := range env {
		key, ok := legacyEnv[name]
		if !ok {
			continue
		}
		section, field, _ := strings.Cut(key, ".")
		m, _ := merged[section].(map[string]any)
		if m == nil {
			m = map[string]any{}
			merged[section] = m
		}
		m[field] = value
	}

	if len(merged) == 0 {
		return nil
	}

	if err := v.MergeConfigMap(merged); err != nil {
		return errors.New().Wrap(errors.ErrReadSettings, err)
	}

	return nil
}

func bindEnv(v *viper.Viper, prefix string) {
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range legacyEnv {
		prefixed := prefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		// BindEnv only fails on an empty key.
		_ = v.BindEnv(key, prefixed, name)
	}
}

// SegmentDuration returns the planned duration of one segment.
func (c Camera) SegmentDuration() time.Duration {
	return time.Duration(c.SegmentSeconds) * time.Second
}

func (c Camera) url() *url.URL {
	u := &url.URL{
		Scheme: "rtsp",
		Host:   net.JoinHostPort(c.Address, strconv.Itoa(c.Port)),
		Path:   "/" + strings.TrimPrefix(c.StreamPath, "/"),
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}

	return u
}

// RTSPURL returns the stream URL including credentials.
func (c Camera) RTSPURL() string {
	return c.url().String()
}

// MaskedURL returns the stream URL with the password redacted, for logs.
func (c Camera) MaskedURL() string {
	return c.url().Redacted()
}

// Validate checks the configuration and returns an invalid_configuration
// error wrapping one ValidationError per offending field.
func (c *Config) Validate() error {
	var errs []error
	add := func(field string, value any, reason string) {
		errs = append(errs, &fieldError{field: field, value: value, reason: reason})
	}

	if strings.TrimSpace(c.Camera.Address) == "" {
		add("camera.address", c.Camera.Address, "must be set")
	}
	if c.Camera.Port < 1 || c.Camera.Port > 65535 {
		add("camera.port", c.Camera.Port, "must be between 1 and 65535")
	}
	if c.Camera.SegmentSeconds <= 0 || c.Camera.SegmentSeconds > 86400 {
		add("camera.segment_seconds", c.Camera.SegmentSeconds, "must be between 1 and 86400")
	}
	switch c.Camera.Transport {
	case "tcp", "udp", "udp_multicast", "http":
	default:
		add("camera.transport", c.Camera.Transport, "must be tcp, udp, udp_multicast or http")
	}
	if strings.Contains(c.Camera.Subfolder, "..") {
		add("camera.subfolder", c.Camera.Subfolder, "must not contain ..")
	}

	if !filepath.IsAbs(c.Storage.Root) {
		add("storage.root", c.Storage.Root, "must be an absolute path")
	}
	if c.Storage.MarkerFile == "" && len(c.Storage.FSTypes) == 0 && !c.Storage.RequireMountPoint {
		add("storage", nil, "at least one remote mount signal must be enabled")
	}
	if c.Storage.ProbeTimeout <= 0 {
		add("storage.probe_timeout", c.Storage.ProbeTimeout, "must be positive")
	}

	if c.Capture.FFmpegPath == "" {
		add("capture.ffmpeg_path", c.Capture.FFmpegPath, "must be set")
	}
	if c.Capture.Grace <= 0 {
		add("capture.grace", c.Capture.Grace, "must be positive")
	}
	if c.Capture.KillGrace <= 0 {
		add("capture.kill_grace", c.Capture.KillGrace, "must be positive")
	}
	if c.Capture.MinSegmentBytes < 0 {
		add("capture.min_segment_bytes", c.Capture.MinSegmentBytes, "must not be negative")
	}
	if c.Capture.MinDurationRatio < 0 || c.Capture.MinDurationRatio > 1 {
		add("capture.min_duration_ratio", c.Capture.MinDurationRatio, "must be between 0 and 1")
	}

	r := c.Recorder
	if r.MinAttempt < 0 {
		add("recorder.min_attempt", r.MinAttempt, "must not be negative")
	}
	if r.MaxSlotRetries < 1 {
		add("recorder.max_slot_retries", r.MaxSlotRetries, "must be at least 1")
	}
	if r.CameraBackoffInitial <= 0 || r.CameraBackoffMax < r.CameraBackoffInitial {
		add("recorder.camera_backoff", r.CameraBackoffInitial, "initial must be positive and not above max")
	}
	if r.StorageBackoffInitial <= 0 || r.StorageBackoffMax < r.StorageBackoffInitial {
		add("recorder.storage_backoff", r.StorageBackoffInitial, "initial must be positive and not above max")
	}
	if r.ShutdownTimeout < 0 {
		add("recorder.shutdown_timeout", r.ShutdownTimeout, "must not be negative")
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		add("journal.path", c.Journal.Path, "must be set when the journal is enabled")
	}

	if !LogLevel(strings.ToLower(c.Log.Level)).IsValid() {
		errs = append(errs, errors.New().WithData(errors.ErrInvalidLogLevel, c.Log.Level))
	}

	if len(errs) == 0 {
		return nil
	}

	return errors.New().Wrap(errors.ErrInvalidConfig, errors.Join(errs...))
}

// ShutdownTimeout returns the forced-stop deadline after a stop request.
func (c *Config) ShutdownTimeout() time.Duration {
	if c.Recorder.ShutdownTimeout > 0 {
		return c.Recorder.ShutdownTimeout
	}

	return c.Camera.SegmentDuration() + c.Capture.Grace
}
