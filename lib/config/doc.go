// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the lw configuration.
//
// A configuration is built in layers, each overriding the one before:
//
//   - [Default], the built-in values
//   - one file, YAML or JSONC by extension, located by [Locate]
//   - LW_* environment variables ([Config.ApplyEnv])
//   - command-line flags, applied by the caller
//
// Unknown keys in the file are errors. Durations are strings such as
// "2s" or "5m"; byte sizes are strings such as "64KiB" or plain
// integers. ${HOME} and ${VAR:-default} are expanded in data_dir and
// token_file.
//
// [Config.Validate] rejects values the core cannot run with. [Template]
// is the commented file written by `lw init`.
package config
