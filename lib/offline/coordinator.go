// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/logwatch/logwatch/lib/breaker"
	"github.com/logwatch/logwatch/lib/schema"
	"github.com/logwatch/logwatch/lib/transport"
	"github.com/logwatch/logwatch/lib/uploader"
)

// Reason explains why a task ran offline.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonForced      Reason = "forced"
	ReasonNoServer    Reason = "no_server"
	ReasonHealthCheck Reason = "health_check_failed"
	ReasonAuth        Reason = "auth_failed"
	ReasonBreakerOpen Reason = "breaker_open"
	ReasonGaveUp      Reason = "gave_up"
)

// ErrServerRequired is returned by Decide when the configuration
// requires a reachable server and the startup check failed. lw exits
// with status 2 before starting the command.
var ErrServerRequired = errors.New("offline: server unreachable and require_server is set")

// HealthChecker checks the server once at startup. *transport.Client
// implements it.
type HealthChecker interface {
	CheckHealth(ctx context.Context, timeout time.Duration) error
}

// Decision is whether a task runs offline, and why.
type Decision struct {
	Offline bool
	Reason  Reason

	// Err is the failure behind the decision, if any.
	Err error
}

// Config holds the parameters for a Coordinator.
type Config struct {
	// ForceOffline strictly overrides connectivity: no request is made
	// even if the server is reachable.
	ForceOffline bool

	// SkipHealthCheck trusts the server without the startup check.
	SkipHealthCheck bool

	// RequireServer turns a failed startup check into
	// ErrServerRequired instead of offline mode.
	RequireServer bool

	// Health is nil when no server is configured.
	Health             HealthChecker
	HealthCheckTimeout time.Duration

	// Breaker is the endpoint's breaker, consulted at completion.
	Breaker *breaker.Breaker

	// Notifier is told about completions; nil disables notification.
	Notifier Notifier
	Filter   Filter

	// NotifyAlways notifies online completions too.
	NotifyAlways bool

	// NotifyOnStart notifies the start of an offline task; online
	// tasks announce themselves with the start event.
	NotifyOnStart bool

	Logger *slog.Logger
}

// Coordinator decides offline mode for one task: once before the task
// starts, and again at completion, when it also sends the
// notification.
type Coordinator struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	decision Decision
	decided  bool
}

// New returns a Coordinator. Decide must be called before Offline or
// Complete report anything but online.
func New(config Config) *Coordinator {
	if config.HealthCheckTimeout <= 0 {
		config.HealthCheckTimeout = 3 * time.Second
	}
	if config.Filter == "" {
		config.Filter = FilterAll
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Coordinator{config: config, logger: config.Logger}
}

// Decide makes the startup decision. Forced offline wins over
// everything; otherwise a missing server or a failed health check
// means offline, unless RequireServer turns the failure into
// ErrServerRequired.
func (c *Coordinator) Decide(ctx context.Context) (Decision, error) {
	decision := c.decide(ctx)

	if decision.Offline && c.config.RequireServer && decision.Reason != ReasonForced {
		return decision, fmt.Errorf("%w: %v", ErrServerRequired, decision.Err)
	}

	c.mu.Lock()
	c.decision = decision
	c.decided = true
	c.mu.Unlock()

	if decision.Offline {
		attrs := []any{"reason", string(decision.Reason)}
		if decision.Err != nil {
			attrs = append(attrs, "error", decision.Err)
		}
		c.logger.Info("running offline", attrs...)
	}
	return decision, nil
}

func (c *Coordinator) decide(ctx context.Context) Decision {
	switch {
	case c.config.ForceOffline:
		return Decision{Offline: true, Reason: ReasonForced}
	case c.config.Health == nil:
		return Decision{Offline: true, Reason: ReasonNoServer, Err: errors.New("no server configured")}
	case c.config.SkipHealthCheck:
		return Decision{}
	}

	err := c.config.Health.CheckHealth(ctx, c.config.HealthCheckTimeout)
	switch {
	case err == nil:
		return Decision{}
	case transport.IsAuth(err):
		return Decision{Offline: true, Reason: ReasonAuth, Err: err}
	default:
		return Decision{Offline: true, Reason: ReasonHealthCheck, Err: err}
	}
}

// Offline reports the startup decision.
func (c *Coordinator) Offline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decision.Offline
}

// Outcome is what the Coordinator needs to know about a finished task.
type Outcome struct {
	Task     schema.Task
	ExitCode int
	Duration time.Duration

	// UploadState is the uploader's final state; empty when no
	// uploader ran.
	UploadState uploader.State
	UploadErr   error

	// Tail is the last lines of output, escape sequences removed.
	Tail []string
}

// Complete makes the final decision for a finished task and sends the
// notification if one is due. The task is offline if it started
// offline, if the breaker is not closed at completion, or if the
// uploader stopped on rejected credentials or gave up. Notification
// failures are logged and otherwise ignored.
func (c *Coordinator) Complete(ctx context.Context, outcome Outcome) Decision {
	c.mu.Lock()
	decision := c.decision
	c.mu.Unlock()

	if !decision.Offline {
		switch {
		case outcome.UploadState == uploader.StateAuthFailed:
			decision = Decision{Offline: true, Reason: ReasonAuth, Err: outcome.UploadErr}
		case outcome.UploadState == uploader.StateOffline:
			decision = Decision{Offline: true, Reason: ReasonGaveUp, Err: outcome.UploadErr}
		case c.config.Breaker != nil && c.config.Breaker.State() != breaker.Closed:
			decision = Decision{Offline: true, Reason: ReasonBreakerOpen, Err: outcome.UploadErr}
		}
		if decision.Offline {
			c.logger.Warn("task completed offline", "reason", string(decision.Reason))
		}
	}

	if c.config.Notifier == nil || (!decision.Offline && !c.config.NotifyAlways) {
		return decision
	}
	if !c.config.Filter.Matches(outcome.ExitCode) {
		c.logger.Debug("notification filtered", "filter", string(c.config.Filter), "exit_code", outcome.ExitCode)
		return decision
	}

	notification := Notification{
		Event:    EventFinished,
		TaskID:   outcome.Task.ID,
		TaskName: outcome.Task.Name,
		Machine:  outcome.Task.Machine,
		User:     outcome.Task.User,
		ExitCode: outcome.ExitCode,
		Duration: outcome.Duration,
		Status:   notificationStatus(decision.Offline, outcome.ExitCode),
		Offline:  decision.Offline,
		Reason:   decision.Reason,
		Tail:     outcome.Tail,
	}
	if err := c.config.Notifier.Notify(ctx, notification); err != nil {
		c.logger.Warn("completion notification failed", "error", err)
	} else {
		c.logger.Debug("completion notification sent", "status", string(notification.Status))
	}
	return decision
}

// NotifyStart announces a task that is running offline. It reports
// whether a notification was sent; failures are logged.
func (c *Coordinator) NotifyStart(ctx context.Context, task schema.Task) bool {
	if c.config.Notifier == nil || !c.config.NotifyOnStart || !c.Offline() {
		return false
	}
	notification := Notification{
		Event:    EventStart,
		TaskID:   task.ID,
		TaskName: task.Name,
		Machine:  task.Machine,
		User:     task.User,
		Status:   schema.StatusRunning,
		Offline:  true,
		Reason:   c.decisionReason(),
	}
	if err := c.config.Notifier.Notify(ctx, notification); err != nil {
		c.logger.Warn("start notification failed", "error", err)
		return false
	}
	c.logger.Debug("start notification sent")
	return true
}

func (c *Coordinator) decisionReason() Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decision.Reason
}

func notificationStatus(offline bool, exitCode int) schema.TaskStatus {
	switch {
	case offline:
		return schema.StatusOffline
	case exitCode == 0:
		return schema.StatusSucceeded
	default:
		return schema.StatusFailed
	}
}
