// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package taskrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/logwatch/logwatch/lib/breaker"
	"github.com/logwatch/logwatch/lib/clock"
	"github.com/logwatch/logwatch/lib/config"
	"github.com/logwatch/logwatch/lib/heartbeat"
	"github.com/logwatch/logwatch/lib/offline"
	"github.com/logwatch/logwatch/lib/recordstore"
	"github.com/logwatch/logwatch/lib/schema"
	"github.com/logwatch/logwatch/lib/supervisor"
	"github.com/logwatch/logwatch/lib/transport"
	"github.com/logwatch/logwatch/lib/uploader"
)

// notificationTailLines is how much output a notification carries.
const notificationTailLines = 15

// Options holds the parameters of one task run.
type Options struct {
	// Config must be validated. Required.
	Config *config.Config

	// Command is the program and its arguments. Required.
	Command []string

	// Name defaults to DefaultName.
	Name string

	// Terminal, Input, WindowSource, and ForwardSignals are passed
	// to the supervisor.
	Terminal       io.Writer
	Input          *os.File
	WindowSource   *os.File
	ForwardSignals bool

	// Notifier overrides the hook built from Config.Notify.
	Notifier offline.Notifier

	// Registry defaults to a new registry built from Config.Breaker.
	Registry *breaker.Registry

	HTTPClient *http.Client

	// OnStart is called once the command is running.
	OnStart func(task schema.Task, decision offline.Decision)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Report describes a finished task run.
type Report struct {
	Task   schema.Task
	Result supervisor.Result

	// Decision is the final offline decision.
	Decision offline.Decision

	// UploadState is the uploader's final state; empty when the task
	// ran offline from the start or exited within the publish grace.
	UploadState uploader.State
	UploadErr   error

	// Pending counts records left in the local store for `lw sync`.
	Pending uint64

	// Removed is set when the store was deleted after a complete
	// upload.
	Removed bool
}

// Run executes one task to completion. Errors before the command
// starts mean no task was recorded: a *supervisor.CaptureError for a
// command that cannot run, or offline.ErrServerRequired. An error
// returned with a Report means output could not be stored; the Report
// is still valid.
func Run(ctx context.Context, options Options) (*Report, error) {
	cfg := options.Config
	if cfg == nil {
		return nil, errors.New("taskrun: Config is required")
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := supervisor.Precheck(options.Command); err != nil {
		return nil, err
	}

	taskID, err := NewTaskID()
	if err != nil {
		return nil, err
	}
	machine := cfg.MachineName()
	startedAt := clk.Now()
	name := options.Name
	if name == "" {
		name = DefaultName(machine, startedAt)
	}
	logger = logger.With("task_id", taskID)

	sweep(cfg, clk, logger)

	registry := options.Registry
	if registry == nil {
		registry = breaker.NewRegistry(BreakerConfig(cfg), clk, logger)
	}
	client, err := NewClient(cfg, options.HTTPClient, logger)
	if err != nil {
		return nil, err
	}
	var (
		circuit *breaker.Breaker
		health  offline.HealthChecker
	)
	if client != nil {
		circuit = registry.For(client.Endpoint())
		health = client
	}

	notifier := options.Notifier
	if notifier == nil {
		notifier = notifierFor(cfg)
	}
	filter, err := offline.ParseFilter(cfg.Notify.On)
	if err != nil {
		return nil, err
	}
	coordinator := offline.New(offline.Config{
		ForceOffline:       cfg.Offline,
		SkipHealthCheck:    cfg.SkipHealthCheck,
		RequireServer:      cfg.RequireServer,
		Health:             health,
		HealthCheckTimeout: cfg.HealthCheckTimeout.Std(),
		Breaker:            circuit,
		Notifier:           notifier,
		Filter:             filter,
		NotifyAlways:       cfg.Notify.Always,
		NotifyOnStart:      cfg.Notify.OnStart,
		Logger:             logger,
	})
	decision, err := coordinator.Decide(ctx)
	if err != nil {
		return nil, err
	}

	queueDir := cfg.QueueDir()
	store, err := recordstore.Open(ctx, recordstore.Config{Dir: queueDir, TaskID: taskID, Logger: logger})
	if err != nil {
		return nil, err
	}

	task := schema.Task{
		ID:        taskID,
		Name:      name,
		Machine:   machine,
		User:      cfg.EffectiveUserID(),
		Command:   options.Command,
		StartedAt: startedAt,
		Status:    schema.StatusRunning,
		Offline:   decision.Offline,
	}
	if err := store.SaveTask(ctx, task); err != nil {
		discard(store, queueDir, taskID, logger)
		return nil, err
	}

	var (
		upload  *uploader.Uploader
		emitter *heartbeat.Emitter
	)
	if !decision.Offline {
		upload, err = uploader.New(uploaderConfig(cfg, store, client, circuit, clk, logger))
		if err != nil {
			discard(store, queueDir, taskID, logger)
			return nil, err
		}
		emitter, err = heartbeat.New(heartbeat.Config{
			TaskID:   taskID,
			Machine:  machine,
			Sender:   client,
			Breaker:  circuit,
			Stopped:  func() bool { return upload.State().IsTerminal() },
			Interval: cfg.Heartbeat.Interval.Std(),
			Clock:    clk,
			Logger:   logger,
		})
		if err != nil {
			discard(store, queueDir, taskID, logger)
			return nil, err
		}
	}

	process, err := supervisor.Start(ctx, supervisor.Config{
		Command:        options.Command,
		Store:          store,
		Terminal:       options.Terminal,
		TerminalBuffer: cfg.Capture.TerminalBuffer.Int(),
		Input:          options.Input,
		WindowSource:   options.WindowSource,
		ForwardSignals: options.ForwardSignals,
		GraceWindow:    cfg.Capture.GraceWindow.Std(),
		Clock:          clk,
		Logger:         logger,
	})
	if err != nil {
		discard(store, queueDir, taskID, logger)
		return nil, err
	}

	task.StartedAt = process.StartedAt()
	if err := store.SaveTask(ctx, task); err != nil {
		logger.Error("saving task metadata failed", "error", err)
	}
	logger.Info("task started",
		"name", name,
		"pid", process.PID(),
		"offline", decision.Offline,
	)
	if options.OnStart != nil {
		options.OnStart(task, decision)
	}

	background, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	group, groupCtx := errgroup.WithContext(background)

	// Lifecycle events outlive a command that exits at once. They end
	// with the final flush deadline at the latest.
	eventCtx, cancelEvents := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelEvents()
	var graceMet, published atomic.Bool
	eventDone := make(chan struct{})
	group.Go(func() error {
		if !awaitPublishGrace(groupCtx, clk, cfg.Capture.PublishGrace.Std(), process.Done()) {
			close(eventDone)
			return nil
		}
		graceMet.Store(true)
		go func() {
			defer close(eventDone)
			if decision.Offline {
				coordinator.NotifyStart(eventCtx, task)
				return
			}
			err := sendEvent(eventCtx, client, circuit, startEvent(task, cfg.Heartbeat.Interval.Std()), cfg.Upload.RetryInterval.Std(), clk, logger)
			if err != nil {
				logger.Warn("start event not delivered", "error", err)
				return
			}
			published.Store(true)
		}()
		if decision.Offline {
			return nil
		}
		group.Go(func() error {
			emitter.Run(groupCtx)
			return nil
		})
		return upload.Run(groupCtx)
	})

	result, captureErr := process.Wait()
	stopBackground()
	uploadErr := group.Wait()

	flushCtx, cancelFlush := context.WithTimeout(context.WithoutCancel(ctx), cfg.FinalFlushTimeout.Std())
	defer cancelFlush()
	context.AfterFunc(flushCtx, cancelEvents)

	report := &Report{Result: result}
	if !graceMet.Load() {
		task.LocalOnly = true
		logger.Info("command exited within the publish grace; output kept locally",
			"grace", cfg.Capture.PublishGrace.Std(),
		)
	} else if upload != nil {
		if uploadErr == nil && !upload.State().IsTerminal() {
			report.Pending = finalFlush(flushCtx, upload, logger)
		}
		report.UploadState = upload.State()
		report.UploadErr = upload.LastError()
	}
	<-eventDone
	task.Published = published.Load()

	report.Decision = coordinator.Complete(ctx, offline.Outcome{
		Task:        task,
		ExitCode:    result.ExitCode,
		Duration:    result.Duration(),
		UploadState: report.UploadState,
		UploadErr:   report.UploadErr,
		Tail:        supervisor.TailLines(process.Tail(), notificationTailLines),
	})

	if err := task.Finish(result.ExitCode, result.EndedAt, report.Decision.Offline); err != nil {
		return nil, fmt.Errorf("taskrun: %w", err)
	}
	if !report.Decision.Offline && task.Published && report.UploadState == uploader.StateOnline {
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.FinalFlushTimeout.Std())
		if err := sendEvent(finishCtx, client, circuit, finishedEvent(task), cfg.Upload.RetryInterval.Std(), clk, logger); err != nil {
			logger.Warn("finished event not delivered", "error", err)
		} else {
			task.Reported = true
		}
		cancel()
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := store.SaveTask(persistCtx, task); err != nil {
		captureErr = errors.Join(captureErr, err)
	}
	report.Pending = store.Cursor().Pending()
	report.Task = task

	logger.Info("task finished",
		"status", string(task.Status),
		"exit_code", result.ExitCode,
		"duration", result.Duration(),
		"records", result.Records,
		"pending", report.Pending,
	)

	if err := store.Close(); err != nil {
		logger.Warn("closing record store failed", "error", err)
	}
	if captureErr == nil && uploadErr == nil && task.Reported && report.Pending == 0 && !cfg.Upload.KeepUploaded {
		removed, err := recordstore.Remove(queueDir, taskID)
		if err != nil {
			logger.Warn("removing uploaded store failed", "error", err)
		}
		report.Removed = removed
	}

	if captureErr != nil || uploadErr != nil {
		return report, errors.Join(captureErr, uploadErr)
	}
	return report, nil
}

// awaitPublishGrace waits until the command has run for grace. It
// reports false if the command exits or ctx ends first.
func awaitPublishGrace(ctx context.Context, clk clock.Clock, grace time.Duration, exited <-chan struct{}) bool {
	if grace <= 0 {
		return true
	}
	timer := clk.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-exited:
		return false
	case <-ctx.Done():
		return false
	}
}

// finalFlush makes the bounded upload attempt after the command exits
// and returns the records still pending.
func finalFlush(ctx context.Context, upload *uploader.Uploader, logger *slog.Logger) uint64 {
	pending, err := upload.Flush(ctx)
	if err != nil {
		logger.Error("final flush failed", "error", err)
	} else if pending > 0 {
		logger.Info("records left for lw sync", "pending", pending)
	}
	return pending
}

// sweep applies the retention policy before a new store is created.
// Failures are logged; retention never blocks a task.
func sweep(cfg *config.Config, clk clock.Clock, logger *slog.Logger) {
	result, err := recordstore.Sweep(cfg.QueueDir(), RetentionPolicy(cfg), clk.Now(), logger)
	if err != nil {
		logger.Warn("retention sweep failed", "error", err)
		return
	}
	if len(result.Removed) > 0 {
		logger.Debug("retention sweep", "removed", len(result.Removed), "skipped_locked", result.SkippedLocked)
	}
}

// discard closes and deletes a store whose command never started, so
// no task is recorded.
func discard(store *recordstore.Store, dir, taskID string, logger *slog.Logger) {
	if err := store.Close(); err != nil {
		logger.Warn("closing record store failed", "error", err)
	}
	if _, err := recordstore.Remove(dir, taskID); err != nil {
		logger.Warn("removing unused record store failed", "error", err)
	}
}

// IsAuthFailure reports whether a report's upload stopped on rejected
// credentials, for remediation messages.
func (r *Report) IsAuthFailure() bool {
	return r.UploadState == uploader.StateAuthFailed ||
		r.Decision.Reason == offline.ReasonAuth ||
		transport.IsAuth(r.UploadErr) ||
		transport.IsAuth(r.Decision.Err)
}
