// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// envMap returns a getenv over a fixed map, so tests never see the
// real environment.
func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default(envMap(map[string]string{"HOME": "/home/alice"}))

	if cfg.DataDir != "/home/alice/.local/share/logwatch" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Upload.BatchRecords != 100 || cfg.Upload.BatchInterval.Std() != 2*time.Second {
		t.Errorf("upload defaults = %+v", cfg.Upload)
	}
	if cfg.Upload.CompressThreshold != 64<<10 || cfg.Upload.Compression != "gzip" {
		t.Errorf("compression defaults = %v %q", cfg.Upload.CompressThreshold, cfg.Upload.Compression)
	}
	if cfg.Breaker.FailureThreshold != 3 || cfg.Breaker.OpenDuration.Std() != 5*time.Minute {
		t.Errorf("breaker defaults = %+v", cfg.Breaker)
	}
	if cfg.Retention.Days != 7 || cfg.Retention.MaxFiles != 1000 {
		t.Errorf("retention defaults = %+v", cfg.Retention)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}

	xdg := Default(envMap(map[string]string{"HOME": "/home/alice", "XDG_DATA_HOME": "/data"}))
	if xdg.DataDir != "/data/logwatch" {
		t.Errorf("XDG DataDir = %q", xdg.DataDir)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server: https://logs.example.com
user_id: alice
machine: build-01
data_dir: ${HOME}/lw
upload:
  batch_records: 50
  batch_max_bytes: 256KiB
  compress_threshold: 4096
  compression: zstd
  retry_count: 0
breaker:
  open_duration: 90s
notify:
  command: [sh, -c, "cat > /dev/null"]
  on: failed
`)
	cfg, err := Load(path, envMap(map[string]string{"HOME": "/home/alice"}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server != "https://logs.example.com" || cfg.UserID != "alice" || cfg.Machine != "build-01" {
		t.Errorf("identity = %q %q %q", cfg.Server, cfg.UserID, cfg.Machine)
	}
	if cfg.DataDir != "/home/alice/lw" {
		t.Errorf("DataDir = %q, want expanded", cfg.DataDir)
	}
	if cfg.Upload.BatchRecords != 50 || cfg.Upload.BatchMaxBytes != 256<<10 || cfg.Upload.CompressThreshold != 4096 {
		t.Errorf("upload = %+v", cfg.Upload)
	}
	if cfg.Upload.RetryCount != 0 {
		t.Errorf("retry_count = %d, want explicit 0 kept", cfg.Upload.RetryCount)
	}
	if cfg.Upload.BatchInterval.Std() != 2*time.Second {
		t.Errorf("absent batch_interval = %v, want default", cfg.Upload.BatchInterval)
	}
	if cfg.Breaker.OpenDuration.Std() != 90*time.Second || cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("breaker = %+v", cfg.Breaker)
	}
	if !reflect.DeepEqual(cfg.Notify.Command, []string{"sh", "-c", "cat > /dev/null"}) || cfg.Notify.On != "failed" {
		t.Errorf("notify = %+v", cfg.Notify)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadJSONC(t *testing.T) {
	path := writeFile(t, "config.jsonc", `{
  // comments and trailing commas are allowed
  "server": "http://localhost:8080",
  "offline": true,
  "upload": {"batch_max_bytes": "2MiB", "compress_threshold": 1024, "retry_interval": "500ms",},
  "heartbeat": {"interval": "10s"},
}`)
	cfg, err := Load(path, envMap(nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server != "http://localhost:8080" || !cfg.Offline {
		t.Errorf("server = %q offline = %v", cfg.Server, cfg.Offline)
	}
	if cfg.Upload.BatchMaxBytes != 2<<20 || cfg.Upload.CompressThreshold != 1024 {
		t.Errorf("sizes = %v %v", cfg.Upload.BatchMaxBytes, cfg.Upload.CompressThreshold)
	}
	if cfg.Upload.RetryInterval.Std() != 500*time.Millisecond || cfg.Heartbeat.Interval.Std() != 10*time.Second {
		t.Errorf("durations = %v %v", cfg.Upload.RetryInterval, cfg.Heartbeat.Interval)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	for name, content := range map[string]string{
		"config.yaml":  "upload:\n  batch_size: 10\n",
		"config.jsonc": `{"upload": {"batch_size": 10}}`,
	} {
		path := writeFile(t, name, content)
		if _, err := Load(path, envMap(nil)); err == nil || !strings.Contains(err.Error(), "batch_size") {
			t.Errorf("%s: Load = %v, want unknown key error", name, err)
		}
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	for _, content := range []string{
		"batch_interval: 2\n",
		"upload:\n  batch_interval: soon\n",
		"upload:\n  batch_max_bytes: lots\n",
	} {
		path := writeFile(t, "config.yaml", content)
		if _, err := Load(path, envMap(nil)); err == nil {
			t.Errorf("Load(%q) succeeded", content)
		}
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", "server: https://file.example\ntoken: from-file\nuser_id: file-user\n")
	cfg, err := Load(path, envMap(map[string]string{
		"LW_SERVER":   "https://env.example",
		"LW_TOKEN":    "from-env",
		"LW_USER_ID":  "env-user",
		"LW_MACHINE":  "ci-runner",
		"LW_DATA_DIR": "/var/lib/lw",
		"LW_OFFLINE":  "1",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server != "https://env.example" || cfg.Token != "from-env" || cfg.Machine != "ci-runner" || cfg.DataDir != "/var/lib/lw" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
	if cfg.UserID != "file-user" {
		t.Errorf("UserID = %q, want the file's value to win over LW_USER_ID", cfg.UserID)
	}
	if !cfg.Offline {
		t.Error("LW_OFFLINE=1 not applied")
	}

	if _, err := Load("", envMap(map[string]string{"LW_OFFLINE": "maybe"})); err == nil {
		t.Error("LW_OFFLINE=maybe accepted")
	}
	filled, err := Load("", envMap(map[string]string{"LW_USER_ID": "env-user"}))
	if err != nil || filled.UserID != "env-user" {
		t.Errorf("LW_USER_ID did not fill an unset user_id: %q, %v", filled.UserID, err)
	}
}

func TestTokenFile(t *testing.T) {
	tokenPath := writeFile(t, "token", "  s3cret\n")
	path := writeFile(t, "config.yaml", "token_file: "+tokenPath+"\n")
	cfg, err := Load(path, envMap(nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "s3cret" {
		t.Errorf("Token = %q", cfg.Token)
	}

	missing := writeFile(t, "config.yaml", "token_file: /nonexistent/token\n")
	if _, err := Load(missing, envMap(nil)); err == nil {
		t.Error("missing token_file accepted")
	}
}

func TestLocate(t *testing.T) {
	home := t.TempDir()
	env := map[string]string{"HOME": home}

	if path, err := Locate("", envMap(env)); err != nil || path != "" {
		t.Errorf("Locate with no files = %q, %v", path, err)
	}

	discovered := filepath.Join(home, ".config", "logwatch", "config.jsonc")
	if err := os.MkdirAll(filepath.Dir(discovered), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(discovered, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	if path, _ := Locate("", envMap(env)); path != discovered {
		t.Errorf("Locate = %q, want %q", path, discovered)
	}

	named := writeFile(t, "named.yaml", "")
	env["LW_CONFIG"] = named
	if path, _ := Locate("", envMap(env)); path != named {
		t.Errorf("Locate with LW_CONFIG = %q", path)
	}
	if _, err := Locate("/nonexistent.yaml", envMap(env)); err == nil {
		t.Error("Locate accepted a missing explicit file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"bad scheme", func(c *Config) { c.Server = "ftp://logs.example" }, "server"},
		{"no host", func(c *Config) { c.Server = "https://" }, "no host"},
		{"zero batch", func(c *Config) { c.Upload.BatchRecords = 0 }, "upload.batch_records"},
		{"negative retries", func(c *Config) { c.Upload.RetryCount = -1 }, "upload.retry_count"},
		{"zero threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, "breaker.failure_threshold"},
		{"compression", func(c *Config) { c.Upload.Compression = "brotli" }, "upload.compression"},
		{"notify filter", func(c *Config) { c.Notify.On = "never" }, "notify.on"},
		{"retention", func(c *Config) { c.Retention.Days = -1 }, "retention.days"},
		{"publish grace", func(c *Config) { c.Capture.PublishGrace = Duration(-time.Second) }, "capture.publish_grace"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default(envMap(map[string]string{"HOME": "/home/alice"}))
			test.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("Validate = %v, want error mentioning %q", err, test.want)
			}
		})
	}
}

func TestTemplateMatchesDefaults(t *testing.T) {
	env := envMap(map[string]string{"HOME": "/home/alice"})
	path := filepath.Join(t.TempDir(), "logwatch", "config.yaml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("WriteTemplate: %v", err)
	}

	loaded, err := Load(path, env)
	if err != nil {
		t.Fatalf("Load(template): %v", err)
	}
	want := Default(env)
	loaded.Notify.Command = nil
	if !reflect.DeepEqual(loaded, want) {
		t.Errorf("template differs from defaults:\n got %+v\nwant %+v", loaded, want)
	}

	if err := WriteTemplate(path, false); !errors.Is(err, ErrExists) {
		t.Errorf("second WriteTemplate = %v, want ErrExists", err)
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Errorf("overwrite: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}
