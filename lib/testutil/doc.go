// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] wrap the
// select-with-deadline pattern so tests of the concurrent pieces (the
// uploader, the heartbeat, the supervisor) never block forever on a
// channel that a broken implementation fails to signal. These are the
// only places tests wait on the wall clock; everything else runs on
// clock.Fake.
package testutil
