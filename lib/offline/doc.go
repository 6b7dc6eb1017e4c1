// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package offline decides when a task runs without the server and
// notifies the user about completions the live dashboard will not
// show.
//
// A task is offline when forced by configuration, when no server is
// configured or the startup health check fails, or when at completion
// the endpoint's circuit breaker is still open or the uploader stopped
// for good. Offline tasks are captured and stored exactly like online
// ones; only transmission is skipped. Forced offline strictly
// overrides connectivity.
package offline
