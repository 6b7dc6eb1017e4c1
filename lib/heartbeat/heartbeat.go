// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package heartbeat tells the server a task is still alive.
//
// Heartbeats are best-effort: one is sent per interval, a failed one
// is not retried (the next tick supersedes it), and none are sent
// while the endpoint's circuit breaker is not closed. They stop for good
// once the task's uploads end in a terminal state. Heartbeat
// outcomes never feed the breaker; only batch uploads do.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/logwatch/logwatch/lib/breaker"
	"github.com/logwatch/logwatch/lib/clock"
	"github.com/logwatch/logwatch/lib/schema"
)

// Sender posts one heartbeat. *transport.Client implements it.
type Sender interface {
	SendHeartbeat(ctx context.Context, heartbeat schema.Heartbeat) error
}

// Config holds the parameters for an Emitter.
type Config struct {
	TaskID  string
	Machine string
	Sender  Sender

	// Breaker, when set, suppresses heartbeats unless closed.
	Breaker *breaker.Breaker

	// Stopped, when set, is checked at every tick. Once it reports
	// true, Run returns: the server has rejected the task for good.
	Stopped func() bool

	// Interval defaults to 30 seconds.
	Interval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Emitter sends a heartbeat for one task every Interval.
type Emitter struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	sent    atomic.Uint64
	failed  atomic.Uint64
	skipped atomic.Uint64
}

// New validates config and returns an Emitter.
func New(config Config) (*Emitter, error) {
	if config.TaskID == "" {
		return nil, errors.New("heartbeat: TaskID is required")
	}
	if config.Sender == nil {
		return nil, errors.New("heartbeat: Sender is required")
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Emitter{
		config: config,
		clock:  config.Clock,
		logger: config.Logger.With("task_id", config.TaskID),
	}, nil
}

// Run sends a heartbeat at each tick until ctx is cancelled or
// Stopped reports true. The first heartbeat goes out one interval
// after Run starts.
func (e *Emitter) Run(ctx context.Context) {
	ticker := e.clock.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.config.Stopped != nil && e.config.Stopped() {
				e.logger.Debug("heartbeats stopped")
				return
			}
			e.beat(ctx)
		}
	}
}

func (e *Emitter) beat(ctx context.Context) {
	if e.config.Breaker != nil {
		if state := e.config.Breaker.State(); state != breaker.Closed {
			e.skipped.Add(1)
			e.logger.Debug("heartbeat skipped", "breaker", string(state))
			return
		}
	}

	err := e.config.Sender.SendHeartbeat(ctx, schema.Heartbeat{
		TaskID:    e.config.TaskID,
		Machine:   e.config.Machine,
		Timestamp: e.clock.Now().Unix(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.failed.Add(1)
		e.logger.Debug("heartbeat failed", "error", err)
		return
	}
	e.sent.Add(1)
}

// Sent returns the number of heartbeats the server accepted.
func (e *Emitter) Sent() uint64 { return e.sent.Load() }

// Failed returns the number of heartbeats that errored.
func (e *Emitter) Failed() uint64 { return e.failed.Load() }

// Skipped returns the number of ticks suppressed by the breaker.
func (e *Emitter) Skipped() uint64 { return e.skipped.Load() }
