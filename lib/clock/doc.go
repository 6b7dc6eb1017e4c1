// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Every timer in the delivery pipeline (batch windows, retry backoff,
// breaker open durations, heartbeat ticks, the capture grace window)
// goes through a Clock so tests can replace wall time with a
// [FakeClock] and fire deadlines deterministically:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go uploader.Run(ctx)
//	c.WaitForTimers(1)         // the loop is now waiting on its batch window
//	c.Advance(2 * time.Second) // the window elapses
//
// WaitForTimers closes the race between a goroutine registering a
// wait and the test advancing time past it.
package clock
