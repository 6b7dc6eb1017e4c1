// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the data lw stores locally and exchanges with
// the logwatch server.
//
//   - [Task] is one wrapped command run and its lifecycle status. It is
//     kept in the task's local store so lw sync can finish reporting a
//     task whose lw process is gone.
//   - [LogRecord] is one stored chunk of terminal output, identified by
//     its per-task seq.
//   - [BatchRequest] and [BatchAck] are the upload exchange; the server
//     acknowledges by client_seq, so a retried batch is idempotent.
//   - [Heartbeat] and [Event] are the liveness and lifecycle messages.
//
// This package depends on no other logwatch packages.
package schema
