// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor runs a command under a pseudo-terminal and
// captures its output.
//
// The child sees a real terminal, so colors and progress bars survive
// into the captured output. A single reader drains the PTY and fans
// each chunk out to two independent sinks: the durable record store
// (unbounded queue, every byte is kept) and the invoking terminal
// (bounded queue that drops its oldest output when the terminal
// stalls). A slow disk never delays the echo and a stalled terminal
// never delays storage.
//
// [Process.Wait] returns only after the child has exited and all of
// its output is stored. Output still buffered in the PTY when the
// child exits is read to EOF; only descendants that keep the terminal
// open past the grace window are cut off.
package supervisor
