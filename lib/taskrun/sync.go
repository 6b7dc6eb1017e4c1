// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package taskrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/logwatch/logwatch/lib/breaker"
	"github.com/logwatch/logwatch/lib/clock"
	"github.com/logwatch/logwatch/lib/config"
	"github.com/logwatch/logwatch/lib/recordstore"
	"github.com/logwatch/logwatch/lib/transport"
	"github.com/logwatch/logwatch/lib/uploader"
)

// ErrNoServer is returned by Sync when no server is configured or
// offline mode is forced.
var ErrNoServer = errors.New("taskrun: no server to sync to")

// SyncOptions holds the parameters of a sync pass.
type SyncOptions struct {
	// Config must be validated. Required.
	Config *config.Config

	// TaskIDs limits the pass to these tasks; empty means every store.
	TaskIDs []string

	// Timeout bounds the upload of each task. Defaults to one minute.
	Timeout time.Duration

	// Parallel is the number of tasks synced at once. Defaults to 1.
	Parallel int

	Registry   *breaker.Registry
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger
}

// SyncResult describes what a sync pass did for one task.
type SyncResult struct {
	TaskID string
	Name   string

	// Uploaded counts records acknowledged during this pass.
	Uploaded uint64

	// Pending counts records still waiting.
	Pending uint64

	// Skipped explains why the task was not attempted.
	Skipped string

	// Removed is set when the store was deleted after a complete
	// upload.
	Removed bool

	Err error
}

// Sync uploads what remains in every local store not owned by a
// running lw: the output of offline tasks and of tasks whose lw died.
// Tasks that exited within the publish grace stay local.
// Start events are sent first for tasks the server has not seen, and
// finished events once a finished task's output is fully delivered.
// Every task shares one breaker, so a pass against a down server stops
// after the threshold instead of failing once per task.
func Sync(ctx context.Context, options SyncOptions) ([]SyncResult, error) {
	cfg := options.Config
	if cfg == nil {
		return nil, errors.New("taskrun: Config is required")
	}
	if cfg.Server == "" || cfg.Offline {
		return nil, ErrNoServer
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	client, err := NewClient(cfg, options.HTTPClient, logger)
	if err != nil {
		return nil, err
	}
	if !cfg.SkipHealthCheck {
		if err := client.CheckHealth(ctx, cfg.HealthCheckTimeout.Std()); err != nil {
			return nil, fmt.Errorf("taskrun: server unreachable: %w", err)
		}
	}
	registry := options.Registry
	if registry == nil {
		registry = breaker.NewRegistry(BreakerConfig(cfg), clk, logger)
	}
	circuit := registry.For(client.Endpoint())

	stores, err := recordstore.List(cfg.QueueDir())
	if err != nil {
		return nil, err
	}
	if len(options.TaskIDs) > 0 {
		stores = slices.DeleteFunc(stores, func(info recordstore.StoreInfo) bool {
			return !slices.Contains(options.TaskIDs, info.TaskID)
		})
	}
	// Oldest first, so tasks reach the server in the order they ran.
	slices.Reverse(stores)

	syncer := &syncer{
		cfg:     cfg,
		client:  client,
		circuit: circuit,
		timeout: timeout,
		clock:   clk,
		logger:  logger,
	}
	results := make([]SyncResult, len(stores))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(max(1, options.Parallel))
	for i, info := range stores {
		group.Go(func() error {
			results[i] = syncer.syncTask(groupCtx, info)
			return nil
		})
	}
	group.Wait()
	return results, ctx.Err()
}

type syncer struct {
	cfg     *config.Config
	client  *transport.Client
	circuit *breaker.Breaker
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

func (s *syncer) syncTask(ctx context.Context, info recordstore.StoreInfo) SyncResult {
	result := SyncResult{TaskID: info.TaskID}
	logger := s.logger.With("task_id", info.TaskID)

	if info.Locked {
		result.Skipped = "running"
		return result
	}
	if s.circuit.State() == breaker.Open {
		result.Skipped = "circuit breaker open"
		return result
	}

	dir := s.cfg.QueueDir()
	store, err := recordstore.Open(ctx, recordstore.Config{Dir: dir, TaskID: info.TaskID, Logger: logger})
	if err != nil {
		if errors.Is(err, recordstore.ErrLocked) {
			result.Skipped = "running"
			return result
		}
		result.Err = err
		return result
	}
	closed := false
	defer func() {
		if !closed {
			store.Close()
		}
	}()

	task, ok, err := store.Task(ctx)
	if err != nil {
		result.Err = err
		return result
	}
	if !ok {
		result.Skipped = "no task metadata"
		return result
	}
	result.Name = task.Name
	result.Pending = store.Cursor().Pending()
	if task.LocalOnly {
		result.Skipped = "exited within publish grace"
		return result
	}
	if result.Pending == 0 && task.Reported {
		result.Skipped = "already synced"
		return result
	}

	if !task.Published {
		if err := sendEvent(ctx, s.client, s.circuit, startEvent(task, s.cfg.Heartbeat.Interval.Std()), s.cfg.Upload.RetryInterval.Std(), s.clock, logger); err != nil {
			result.Err = fmt.Errorf("start event: %w", err)
			return result
		}
		task.Published = true
		if err := store.SaveTask(ctx, task); err != nil {
			result.Err = err
			return result
		}
	}

	ackedBefore := store.Cursor().AckedSeq
	upload, err := uploader.New(uploaderConfig(s.cfg, store, s.client, s.circuit, s.clock, logger))
	if err != nil {
		result.Err = err
		return result
	}
	flushCtx, cancel := context.WithTimeout(ctx, s.timeout)
	result.Pending, err = upload.Flush(flushCtx)
	cancel()
	result.Uploaded = store.Cursor().AckedSeq - ackedBefore
	if err != nil {
		result.Err = err
		return result
	}
	if upload.State().IsTerminal() {
		result.Err = upload.LastError()
		return result
	}
	if result.Pending > 0 || !task.Status.IsTerminal() {
		return result
	}

	if !task.Reported {
		if err := sendEvent(ctx, s.client, s.circuit, finishedEvent(task), s.cfg.Upload.RetryInterval.Std(), s.clock, logger); err != nil {
			result.Err = fmt.Errorf("finished event: %w", err)
			return result
		}
		task.Reported = true
		if err := store.SaveTask(ctx, task); err != nil {
			result.Err = err
			return result
		}
	}

	logger.Info("task synced", "uploaded", result.Uploaded)
	if s.cfg.Upload.KeepUploaded {
		return result
	}
	closed = true
	if err := store.Close(); err != nil {
		result.Err = err
		return result
	}
	result.Removed, result.Err = recordstore.Remove(dir, info.TaskID)
	return result
}
