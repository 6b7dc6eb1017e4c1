// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Template is the commented configuration written by `lw init`. Every
// value shown is the default.
const Template = `# lw configuration. Every value below is the default; delete what
# you do not change. Environment variables LW_SERVER, LW_USER_ID,
# LW_TOKEN, LW_MACHINE, LW_DATA_DIR, and LW_OFFLINE override this file.

# Server root URL. Leave empty to run every task offline.
server: ""
user_id: ""
# Prefer token_file so the token stays out of this file.
token: ""
token_file: ""

# Host label shown on the dashboard; defaults to the hostname.
machine: ""
data_dir: "${HOME}/.local/share/logwatch"

# Never contact the server, even when it is reachable.
offline: false
# Refuse to start the command when the server is unreachable.
require_server: false
skip_health_check: false
health_check_timeout: 3s
request_timeout: 10s
final_flush_timeout: 10s

upload:
  batch_records: 100
  batch_interval: 2s
  batch_max_bytes: 1MiB
  compress_threshold: 64KiB
  # none, gzip, zstd, or lz4
  compression: gzip
  retry_count: 3
  retry_interval: 2s
  max_retry_interval: 30s
  # Stop uploading after the breaker opened this many times; 0 never.
  give_up_after_opens: 0
  keep_uploaded: false

breaker:
  failure_threshold: 3
  open_duration: 5m
  window: 0s

heartbeat:
  interval: 30s

retention:
  days: 7
  max_files: 1000

capture:
  grace_window: 1s
  terminal_buffer: 8MiB
  # A command that exits sooner than this is never announced to the
  # server; its output stays in the local queue only.
  publish_grace: 1s

notify:
  # Hook run at completion with the outcome as JSON on stdin, e.g.
  # ["sh", "-c", "mail -s \"lw: $LW_TASK_NAME $LW_STATUS\" me@example.com"]
  command: []
  # all, failed, or success
  on: all
  # Also notify tasks whose output reached the server.
  always: false
  # Also notify when an offline task starts (after publish_grace).
  on_start: false
  timeout: 30s
`

// ErrExists is returned by WriteTemplate when the file exists and
// overwrite was not requested.
var ErrExists = errors.New("config: file already exists")

// WriteTemplate atomically writes Template to path, creating the
// parent directory. The file is written to a temporary name in the
// same directory, fsynced, and renamed into place.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: creating %s: %w", filepath.Dir(path), err)
	}

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := file.WriteString(Template); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("config: writing %s: %w", temporaryPath, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("config: syncing %s: %w", temporaryPath, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("config: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("config: %w", err)
	}

	if parent, err := os.Open(filepath.Dir(path)); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
