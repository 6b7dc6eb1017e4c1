// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

// lw runs a command under a pseudo-terminal and delivers its output to
// a logwatch server.
//
// Every byte the command writes is echoed to the terminal and stored
// in a per-task local queue before upload, so output survives network
// failures, server outages, and restarts of lw itself. When the server
// cannot be reached the task runs offline: output stays local, a
// completion hook is notified, and `lw sync` uploads it later.
//
// Usage:
//
//	lw run [flags] [--] command [args...]
//	lw tasks [--json] [--tail N] [task-id...]
//	lw sync [--task ID]...
//	lw prune [--days N] [--max-files N]
//	lw init [--force] [--path FILE]
//	lw version
//
// lw run exits with the command's exit status. 126 and 127 mean the
// command could not be executed or found, and 2 means require_server
// is set and the server was unreachable.
package main
