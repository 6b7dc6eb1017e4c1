// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package heartbeat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/logwatch/logwatch/lib/breaker"
	"github.com/logwatch/logwatch/lib/clock"
	"github.com/logwatch/logwatch/lib/schema"
	"github.com/logwatch/logwatch/lib/testutil"
)

var epoch = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type fakeSender struct {
	err   error
	beats chan schema.Heartbeat
}

func (s *fakeSender) SendHeartbeat(ctx context.Context, heartbeat schema.Heartbeat) error {
	s.beats <- heartbeat
	return s.err
}

func startEmitter(t *testing.T, config Config) (*Emitter, *clock.FakeClock) {
	t.Helper()
	fakeClock := clock.Fake(epoch)
	config.Clock = fakeClock
	config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	emitter, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		emitter.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "emitter stopped")
	})
	fakeClock.WaitForTimers(1)
	return emitter, fakeClock
}

func TestSendsOnEveryTick(t *testing.T) {
	sender := &fakeSender{beats: make(chan schema.Heartbeat, 8)}
	_, fakeClock := startEmitter(t, Config{
		TaskID:   "task-1",
		Machine:  "build-01",
		Sender:   sender,
		Interval: 30 * time.Second,
	})

	select {
	case <-sender.beats:
		t.Fatal("heartbeat sent before the first interval")
	default:
	}

	for i := 1; i <= 3; i++ {
		fakeClock.Advance(30 * time.Second)
		beat := testutil.RequireReceive(t, sender.beats, 5*time.Second, "heartbeat %d", i)
		if beat.TaskID != "task-1" || beat.Machine != "build-01" {
			t.Errorf("heartbeat = %+v", beat)
		}
		if want := epoch.Add(time.Duration(i) * 30 * time.Second).Unix(); beat.Timestamp != want {
			t.Errorf("timestamp = %d, want %d", beat.Timestamp, want)
		}
	}
}

func TestFailuresAreNotRetriedOrCounted(t *testing.T) {
	sender := &fakeSender{beats: make(chan schema.Heartbeat, 8), err: errors.New("connection refused")}
	circuit := breaker.New("http://logs.example", breaker.Config{FailureThreshold: 1}, clock.Fake(epoch), nil)
	emitter, fakeClock := startEmitter(t, Config{
		TaskID:   "task-1",
		Sender:   sender,
		Breaker:  circuit,
		Interval: time.Second,
	})

	fakeClock.Advance(time.Second)
	testutil.RequireReceive(t, sender.beats, 5*time.Second, "heartbeat")
	fakeClock.Advance(time.Second)
	testutil.RequireReceive(t, sender.beats, 5*time.Second, "second heartbeat")

	if circuit.State() != breaker.Closed {
		t.Errorf("heartbeat failures tripped the breaker")
	}
	if len(sender.beats) != 0 {
		t.Errorf("failed heartbeat was retried")
	}
	if emitter.Sent() != 0 {
		t.Errorf("sent = %d, want 0", emitter.Sent())
	}
}

func TestSkippedWhileBreakerOpen(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	sender := &fakeSender{beats: make(chan schema.Heartbeat, 8)}
	circuit := breaker.New("http://logs.example", breaker.Config{FailureThreshold: 1, OpenDuration: time.Minute}, fakeClock, nil)
	circuit.Failure()

	emitter, err := New(Config{
		TaskID:  "task-1",
		Sender:  sender,
		Breaker: circuit,
		Clock:   fakeClock,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for range 3 {
		emitter.beat(context.Background())
	}
	if emitter.Skipped() != 3 || emitter.Sent() != 0 || len(sender.beats) != 0 {
		t.Errorf("open breaker: skipped %d, sent %d", emitter.Skipped(), emitter.Sent())
	}

	// Half-open belongs to the uploader's trial batch.
	fakeClock.Advance(time.Minute)
	emitter.beat(context.Background())
	if emitter.Skipped() != 4 {
		t.Errorf("half-open breaker: skipped %d, want 4", emitter.Skipped())
	}

	circuit.Success()
	emitter.beat(context.Background())
	testutil.RequireReceive(t, sender.beats, 5*time.Second, "heartbeat once closed")
	if emitter.Sent() != 1 {
		t.Errorf("sent = %d, want 1", emitter.Sent())
	}
}

func TestStopsOnceUploadsEnd(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	sender := &fakeSender{beats: make(chan schema.Heartbeat, 8)}
	var stopped atomic.Bool
	emitter, err := New(Config{
		TaskID:   "task-1",
		Sender:   sender,
		Stopped:  stopped.Load,
		Interval: time.Second,
		Clock:    fakeClock,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan struct{})
	go func() {
		emitter.Run(context.Background())
		close(done)
	}()
	fakeClock.WaitForTimers(1)

	fakeClock.Advance(time.Second)
	testutil.RequireReceive(t, sender.beats, 5*time.Second, "heartbeat before the task is rejected")

	// The server rejected the task: auth failed or it was deleted.
	stopped.Store(true)
	fakeClock.Advance(time.Second)
	testutil.RequireClosed(t, done, 5*time.Second, "emitter returned once stopped")
	if len(sender.beats) != 0 || emitter.Sent() != 1 {
		t.Errorf("sent %d heartbeats (%d queued) after stopping, want only the first", emitter.Sent(), len(sender.beats))
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{Sender: &fakeSender{}}); err == nil {
		t.Error("New without TaskID succeeded")
	}
	if _, err := New(Config{TaskID: "t"}); err == nil {
		t.Error("New without Sender succeeded")
	}
}
