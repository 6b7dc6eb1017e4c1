// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"testing"
	"time"
)

// fatalRecorder captures Fatalf instead of stopping the test. Fatalf
// panics so the helper under test does not fall through.
type fatalRecorder struct {
	message string
}

func (r *fatalRecorder) Helper() {}

func (r *fatalRecorder) Fatalf(format string, args ...any) {
	r.message = fmt.Sprintf(format, args...)
	panic(r)
}

func expectFatal(t *testing.T, fn func(TB)) string {
	t.Helper()
	recorder := &fatalRecorder{}
	func() {
		defer func() {
			if recovered := recover(); recovered != recorder {
				t.Fatalf("helper did not fail the test (recovered %v)", recovered)
			}
		}()
		fn(recorder)
	}()
	return recorder.message
}

func TestRequireReceive(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7
	if got := RequireReceive(t, ch, time.Second, "value"); got != 7 {
		t.Errorf("RequireReceive = %d, want 7", got)
	}

	message := expectFatal(t, func(tb TB) {
		RequireReceive(tb, make(chan int), 10*time.Millisecond, "ack for batch %d", 3)
	})
	if message != "ack for batch 3: nothing received within 10ms" {
		t.Errorf("timeout message = %q", message)
	}

	closed := make(chan int)
	close(closed)
	message = expectFatal(t, func(tb TB) {
		RequireReceive(tb, closed, time.Second)
	})
	if message != "waiting: channel closed before a value arrived" {
		t.Errorf("closed message = %q", message)
	}
}

func TestRequireClosed(t *testing.T) {
	done := make(chan struct{})
	close(done)
	RequireClosed(t, done, time.Second, "done")

	message := expectFatal(t, func(tb TB) {
		RequireClosed(tb, make(chan struct{}), 10*time.Millisecond, "exit")
	})
	if message != "exit: not closed within 10ms" {
		t.Errorf("message = %q", message)
	}
}
