// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/logwatch/logwatch/lib/clock"
)

// State is the breaker position.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of failures that opens the
	// breaker. Defaults to 3.
	FailureThreshold int

	// OpenDuration is how long the breaker stays open before it
	// allows a trial request. Fixed: every reopening uses the same duration.
	// Defaults to 5 minutes.
	OpenDuration time.Duration

	// Window bounds how far apart the counted failures may be. A
	// failure arriving more than Window after the first counted one
	// restarts the count. Zero counts consecutive failures with no
	// time bound.
	Window time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 5 * time.Minute
	}
	return c
}

// Breaker gates network attempts to one destination. Safe for
// concurrent use by every uploader sharing the destination.
type Breaker struct {
	endpoint string
	config   Config
	clock    clock.Clock
	logger   *slog.Logger

	mu           sync.Mutex
	state        State
	failures     int
	firstFailure time.Time
	openUntil    time.Time
	probing      bool
	opens        int
}

// New returns a closed breaker for endpoint.
func New(endpoint string, config Config, clk clock.Clock, logger *slog.Logger) *Breaker {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		endpoint: endpoint,
		config:   config.withDefaults(),
		clock:    clk,
		logger:   logger.With("endpoint", endpoint),
		state:    Closed,
	}
}

// Endpoint returns the destination this breaker guards.
func (b *Breaker) Endpoint() string { return b.endpoint }

// Allow reports whether an attempt may go to the network now. In the
// half-open state exactly one caller is allowed through; it must
// report the outcome with Success or Failure. Callers that were not
// allowed must not report anything.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advanceLocked()
	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		b.logger.Info("circuit breaker probing")
		return true
	default:
		return false
	}
}

// Success records a successful attempt. It closes the breaker and
// resets the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Closed {
		b.logger.Info("circuit breaker closed", "previous", string(b.state))
	}
	b.state = Closed
	b.failures = 0
	b.probing = false
}

// Abandon gives back an allowed attempt that ended without an
// outcome, such as a request cancelled by shutdown. A half-open
// breaker lets the next caller try instead.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.probing = false
	}
}

// Failure records a failed attempt. In the closed state it counts
// toward the threshold; a failed half-open trial reopens the breaker
// for another full OpenDuration.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.advanceLocked()

	switch b.state {
	case HalfOpen:
		b.openLocked(now, "trial failed")
	case Closed:
		if b.failures > 0 && b.config.Window > 0 && now.Sub(b.firstFailure) > b.config.Window {
			b.failures = 0
		}
		if b.failures == 0 {
			b.firstFailure = now
		}
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.openLocked(now, fmt.Sprintf("%d failures", b.failures))
		}
	}
}

// State returns the current position, moving open to half-open if
// the open duration has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// OpenUntil returns when the breaker becomes eligible for a trial request.
// Meaningful only while open.
func (b *Breaker) OpenUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openUntil
}

// Opens returns how many times the breaker has opened.
func (b *Breaker) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

func (b *Breaker) openLocked(now time.Time, reason string) {
	b.state = Open
	b.openUntil = now.Add(b.config.OpenDuration)
	b.failures = 0
	b.probing = false
	b.opens++
	b.logger.Warn("circuit breaker opened",
		"reason", reason,
		"open_until", b.openUntil,
		"opens", b.opens,
	)
}

// advanceLocked applies the open to half-open transition.
func (b *Breaker) advanceLocked() {
	if b.state == Open && !b.clock.Now().Before(b.openUntil) {
		b.state = HalfOpen
		b.probing = false
	}
}
