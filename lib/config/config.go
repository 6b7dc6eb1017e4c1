// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/logwatch/logwatch/lib/offline"
	"github.com/logwatch/logwatch/lib/uploader"
)

// Config is the complete lw configuration.
type Config struct {
	// Server is the logwatch server root URL. Empty means every task
	// runs offline.
	Server string `yaml:"server" json:"server"`

	// UserID and Token authenticate every request. TokenFile names a
	// file holding the token and is read when Token is empty.
	UserID    string `yaml:"user_id" json:"user_id"`
	Token     string `yaml:"token" json:"token"`
	TokenFile string `yaml:"token_file" json:"token_file"`

	// Machine labels this host. Defaults to the hostname.
	Machine string `yaml:"machine" json:"machine"`

	// DataDir holds the queue directory. Defaults to
	// $XDG_DATA_HOME/logwatch.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// Offline forces offline mode even when the server is reachable.
	Offline bool `yaml:"offline" json:"offline"`

	// RequireServer aborts before starting the command when the
	// startup health check fails.
	RequireServer bool `yaml:"require_server" json:"require_server"`

	// SkipHealthCheck trusts the server without the startup check.
	SkipHealthCheck bool `yaml:"skip_health_check" json:"skip_health_check"`

	HealthCheckTimeout Duration `yaml:"health_check_timeout" json:"health_check_timeout"`
	RequestTimeout     Duration `yaml:"request_timeout" json:"request_timeout"`

	// FinalFlushTimeout bounds the upload attempt after the command
	// exits.
	FinalFlushTimeout Duration `yaml:"final_flush_timeout" json:"final_flush_timeout"`

	Upload    UploadConfig    `yaml:"upload" json:"upload"`
	Breaker   BreakerConfig   `yaml:"breaker" json:"breaker"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" json:"heartbeat"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
	Capture   CaptureConfig   `yaml:"capture" json:"capture"`
	Notify    NotifyConfig    `yaml:"notify" json:"notify"`
}

// UploadConfig configures batching and retries.
type UploadConfig struct {
	BatchRecords      int      `yaml:"batch_records" json:"batch_records"`
	BatchInterval     Duration `yaml:"batch_interval" json:"batch_interval"`
	BatchMaxBytes     ByteSize `yaml:"batch_max_bytes" json:"batch_max_bytes"`
	CompressThreshold ByteSize `yaml:"compress_threshold" json:"compress_threshold"`

	// Compression is none, gzip, zstd, or lz4.
	Compression string `yaml:"compression" json:"compression"`

	// RetryCount is the number of retries per batch; 0 disables
	// retries.
	RetryCount       int      `yaml:"retry_count" json:"retry_count"`
	RetryInterval    Duration `yaml:"retry_interval" json:"retry_interval"`
	MaxRetryInterval Duration `yaml:"max_retry_interval" json:"max_retry_interval"`

	// GiveUpAfterOpens stops uploading after the breaker has opened
	// this many times; 0 never gives up.
	GiveUpAfterOpens int `yaml:"give_up_after_opens" json:"give_up_after_opens"`

	// KeepUploaded keeps acknowledged records in the local store.
	KeepUploaded bool `yaml:"keep_uploaded" json:"keep_uploaded"`
}

// BreakerConfig configures the per-server circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold" json:"failure_threshold"`
	OpenDuration     Duration `yaml:"open_duration" json:"open_duration"`

	// Window bounds how far apart counted failures may be; 0 counts
	// consecutive failures.
	Window Duration `yaml:"window" json:"window"`
}

// HeartbeatConfig configures the liveness signal.
type HeartbeatConfig struct {
	Interval Duration `yaml:"interval" json:"interval"`
}

// RetentionConfig bounds the local queue directory. Zero disables a
// bound.
type RetentionConfig struct {
	Days     int `yaml:"days" json:"days"`
	MaxFiles int `yaml:"max_files" json:"max_files"`
}

// CaptureConfig configures the process supervisor.
type CaptureConfig struct {
	GraceWindow    Duration `yaml:"grace_window" json:"grace_window"`
	TerminalBuffer ByteSize `yaml:"terminal_buffer" json:"terminal_buffer"`

	// PublishGrace is how long the command must run before the task
	// is announced: the start event and uploads online, the start
	// notification offline. A command that exits sooner stays local.
	PublishGrace Duration `yaml:"publish_grace" json:"publish_grace"`
}

// NotifyConfig configures the completion notification hook.
type NotifyConfig struct {
	// Command is run with the notification as JSON on stdin. Empty
	// disables notification.
	Command []string `yaml:"command" json:"command"`

	// On is all, failed, or success.
	On string `yaml:"on" json:"on"`

	// Always notifies online completions too, not only offline ones.
	Always bool `yaml:"always" json:"always"`

	// OnStart also notifies when an offline task has outlived the
	// publish grace.
	OnStart bool `yaml:"on_start" json:"on_start"`

	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// Default returns the built-in configuration. getenv locates the
// default data directory; nil means os.Getenv.
func Default(getenv func(string) string) *Config {
	if getenv == nil {
		getenv = os.Getenv
	}
	return &Config{
		DataDir:            defaultDataDir(getenv),
		HealthCheckTimeout: Duration(3 * time.Second),
		RequestTimeout:     Duration(10 * time.Second),
		FinalFlushTimeout:  Duration(10 * time.Second),
		Upload: UploadConfig{
			BatchRecords:      100,
			BatchInterval:     Duration(2 * time.Second),
			BatchMaxBytes:     1 << 20,
			CompressThreshold: 64 << 10,
			Compression:       "gzip",
			RetryCount:        3,
			RetryInterval:     Duration(2 * time.Second),
			MaxRetryInterval:  Duration(30 * time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			OpenDuration:     Duration(5 * time.Minute),
		},
		Heartbeat: HeartbeatConfig{Interval: Duration(30 * time.Second)},
		Retention: RetentionConfig{Days: 7, MaxFiles: 1000},
		Capture: CaptureConfig{
			GraceWindow:    Duration(time.Second),
			TerminalBuffer: 8 << 20,
			PublishGrace:   Duration(time.Second),
		},
		Notify: NotifyConfig{
			On:      string(offline.FilterAll),
			Timeout: Duration(30 * time.Second),
		},
	}
}

func defaultDataDir(getenv func(string) string) string {
	if dir := getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "logwatch")
	}
	home := getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".local", "share", "logwatch")
}

// Locate returns the configuration file to load: explicit if set,
// else $LW_CONFIG, else the first existing file among
// $XDG_CONFIG_HOME/logwatch/config.{yaml,yml,jsonc,json}. An empty
// result means defaults only. An explicitly named file must exist.
func Locate(explicit string, getenv func(string) string) (string, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, named := range []string{explicit, getenv("LW_CONFIG")} {
		if named == "" {
			continue
		}
		if _, err := os.Stat(named); err != nil {
			return "", fmt.Errorf("config: %w", err)
		}
		return named, nil
	}

	configHome := getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home := getenv("HOME")
		if home == "" {
			return "", nil
		}
		configHome = filepath.Join(home, ".config")
	}
	for _, name := range []string{"config.yaml", "config.yml", "config.jsonc", "config.json"} {
		candidate := filepath.Join(configHome, "logwatch", name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

// DefaultPath is where `lw init` writes a new configuration file.
func DefaultPath(getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	configHome := getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home := getenv("HOME")
		if home == "" {
			home, _ = os.UserHomeDir()
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "logwatch", "config.yaml")
}

// Load builds a configuration from the defaults, the file at path (if
// any), and the environment. It does not validate; callers apply
// their flags and then call Validate.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default(getenv)

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}

	cfg.expandVariables(getenv)

	if cfg.Token == "" && cfg.TokenFile != "" {
		data, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("config: reading token_file: %w", err)
		}
		cfg.Token = strings.TrimSpace(string(data))
	}
	return cfg, nil
}

// loadFile decodes path into c, YAML unless the extension is .json or
// .jsonc. Keys absent from the file keep their current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(c); err != nil {
			return fmt.Errorf("config: %s: %w", path, err)
		}
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("config: %s: %w", path, err)
		}
	}
	return nil
}

// ApplyEnv applies the LW_* overrides. LW_USER_ID only fills an unset
// user_id; the others replace the file's values.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if value := getenv("LW_SERVER"); value != "" {
		c.Server = value
	}
	if value := getenv("LW_TOKEN"); value != "" {
		c.Token = value
	}
	if value := getenv("LW_MACHINE"); value != "" {
		c.Machine = value
	}
	if value := getenv("LW_DATA_DIR"); value != "" {
		c.DataDir = value
	}
	if c.UserID == "" {
		c.UserID = getenv("LW_USER_ID")
	}
	if value := getenv("LW_OFFLINE"); value != "" {
		forced, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("config: LW_OFFLINE=%q is not a boolean", value)
		}
		c.Offline = forced
	}
	return nil
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVariables expands ${VAR}, ${VAR:-default}, and a leading ~ in
// path fields.
func (c *Config) expandVariables(getenv func(string) string) {
	expand := func(s string) string {
		s = varPattern.ReplaceAllStringFunc(s, func(match string) string {
			parts := varPattern.FindStringSubmatch(match)
			if value := getenv(parts[1]); value != "" {
				return value
			}
			return parts[2]
		})
		if s == "~" || strings.HasPrefix(s, "~/") {
			if home := getenv("HOME"); home != "" {
				s = home + s[1:]
			}
		}
		return s
	}
	c.DataDir = expand(c.DataDir)
	c.TokenFile = expand(c.TokenFile)
}

// Validate checks the configuration for values the core cannot run
// with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Server != "" {
		parsed, err := url.Parse(c.Server)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("server: %w", err))
		case parsed.Scheme != "http" && parsed.Scheme != "https":
			errs = append(errs, fmt.Errorf("server: %q must be an http or https URL", c.Server))
		case parsed.Host == "":
			errs = append(errs, fmt.Errorf("server: %q has no host", c.Server))
		}
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	positive := []struct {
		name  string
		value int64
	}{
		{"health_check_timeout", int64(c.HealthCheckTimeout)},
		{"request_timeout", int64(c.RequestTimeout)},
		{"final_flush_timeout", int64(c.FinalFlushTimeout)},
		{"upload.batch_records", int64(c.Upload.BatchRecords)},
		{"upload.batch_interval", int64(c.Upload.BatchInterval)},
		{"upload.batch_max_bytes", int64(c.Upload.BatchMaxBytes)},
		{"upload.compress_threshold", int64(c.Upload.CompressThreshold)},
		{"upload.retry_interval", int64(c.Upload.RetryInterval)},
		{"upload.max_retry_interval", int64(c.Upload.MaxRetryInterval)},
		{"breaker.failure_threshold", int64(c.Breaker.FailureThreshold)},
		{"breaker.open_duration", int64(c.Breaker.OpenDuration)},
		{"heartbeat.interval", int64(c.Heartbeat.Interval)},
		{"capture.grace_window", int64(c.Capture.GraceWindow)},
		{"capture.terminal_buffer", int64(c.Capture.TerminalBuffer)},
	}
	for _, field := range positive {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", field.name))
		}
	}

	nonNegative := []struct {
		name  string
		value int64
	}{
		{"upload.retry_count", int64(c.Upload.RetryCount)},
		{"upload.give_up_after_opens", int64(c.Upload.GiveUpAfterOpens)},
		{"breaker.window", int64(c.Breaker.Window)},
		{"retention.days", int64(c.Retention.Days)},
		{"retention.max_files", int64(c.Retention.MaxFiles)},
		{"capture.publish_grace", int64(c.Capture.PublishGrace)},
	}
	for _, field := range nonNegative {
		if field.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", field.name))
		}
	}

	if !uploader.ValidCompression(c.Upload.Compression) {
		errs = append(errs, fmt.Errorf("upload.compression: unknown %q (want none, gzip, zstd, or lz4)", c.Upload.Compression))
	}
	if _, err := offline.ParseFilter(c.Notify.On); err != nil {
		errs = append(errs, fmt.Errorf("notify.on: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// QueueDir is the directory holding one record store per task.
func (c *Config) QueueDir() string {
	return filepath.Join(c.DataDir, "queue")
}

// MachineName returns Machine, falling back to the hostname.
func (c *Config) MachineName() string {
	if c.Machine != "" {
		return c.Machine
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown"
}

// EffectiveUserID returns UserID, falling back to the OS user name.
func (c *Config) EffectiveUserID() string {
	if c.UserID != "" {
		return c.UserID
	}
	if current, err := user.Current(); err == nil {
		return current.Username
	}
	return ""
}
