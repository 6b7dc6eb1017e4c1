// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for lw.
//
// The central type is [Command], a named subcommand with an optional
// [pflag.FlagSet] factory and a Run function. cmd/lw assembles the
// tree and dispatches it with [Command.Execute], which handles flag
// parsing, help output, and typo suggestions for unknown commands and
// flags.
//
// [NewCommandLogger] builds the slog logger for diagnostics and
// [Messenger] writes the short "[lw] ..." status lines users read.
// A returned [ExitError] sets the process exit status without an
// extra error line.
package cli
