// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskrun wires the core components together for the lw
// commands.
//
// [Run] executes one task: it decides offline mode, opens the task's
// record store, starts the command under the supervisor, and runs the
// uploader and heartbeat emitter beside it until the command exits.
// It then makes a bounded final flush, reports the finished event, and
// hands the outcome to the offline coordinator for notification.
//
// [Sync] re-uploads the stores left behind by tasks that ran offline
// or whose lw process died, sharing one breaker registry across them.
package taskrun
